package domain

import (
	"time"
)

type Chat struct {
	ID           int64         `json:"id"`
	Type         ChatType      `json:"type"`
	Name         string        `json:"name,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Participants []Participant `json:"participants,omitempty"`
}

// Participant is the pivot between a chat and a user. LastReadMessageID only
// ever moves forward.
type Participant struct {
	ChatID            int64           `json:"chat_id"`
	UserID            int64           `json:"user_id"`
	Role              ParticipantRole `json:"role"`
	LastReadMessageID int64           `json:"last_read_message_id"`
	JoinedAt          time.Time       `json:"joined_at"`

	User *User `json:"user,omitempty"`
}

// Others returns every participant except userID.
func (c *Chat) Others(userID int64) []Participant {
	out := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	return out
}

// Participant looks up the pivot row for userID.
func (c *Chat) Participant(userID int64) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Chat) HasParticipant(userID int64) bool {
	_, ok := c.Participant(userID)
	return ok
}

// ChatSummary is one row of a user's chat list.
type ChatSummary struct {
	ID                int64     `json:"id"`
	Type              ChatType  `json:"type"`
	Name              string    `json:"name,omitempty"`
	LastMessageID     int64     `json:"last_message_id"`
	LastMessage       string    `json:"last_message,omitempty"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
	LastReadMessageID int64     `json:"last_read_message_id"`
	UnreadCount       int64     `json:"unread_count"`
	IsUnread          bool      `json:"is_unread"`
}
