package events

import (
	"relay-chat/internal/domain"
)

// Event type names as they appear on the wire.
const (
	TypeMessageCreated   = "message.created"
	TypeMessageConfirmed = "message.confirmed"
	TypeMessageRead      = "message.read"
	TypeBadgeUpdated     = "badge.updated"
	TypePresenceChanged  = "presence.changed"
	TypeMentioned        = "mention"
	TypeUserTyping       = "user.typing"
)

// Event is anything the broadcaster can route.
type Event interface {
	EventType() string
}

// MessageCreated goes to every participant of the chat except ExceptUserID.
// ExceptUserID 0 reaches everyone.
type MessageCreated struct {
	ChatID       int64              `json:"chat_id"`
	ChatType     domain.ChatType    `json:"chat_type"`
	ExceptUserID int64              `json:"-"`
	Message      domain.MessageView `json:"message"`
}

func (MessageCreated) EventType() string { return TypeMessageCreated }

// MessageConfirmed tells the author which stored message replaces the
// optimistic placeholder TempID.
type MessageConfirmed struct {
	ChatID  int64              `json:"chat_id"`
	UserID  int64              `json:"-"`
	TempID  string             `json:"temp_id"`
	Message domain.MessageView `json:"message"`
}

func (MessageConfirmed) EventType() string { return TypeMessageConfirmed }

// MessageRead is a read receipt delivered to one other participant.
type MessageRead struct {
	ChatID            int64 `json:"chat_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
	ReaderID          int64 `json:"reader_id"`
	RecipientID       int64 `json:"-"`
}

func (MessageRead) EventType() string { return TypeMessageRead }

type BadgeUpdated struct {
	UserID      int64 `json:"user_id"`
	UnreadCount int64 `json:"unread_count"`
}

func (BadgeUpdated) EventType() string { return TypeBadgeUpdated }

type PresenceChanged struct {
	UserID   int64                 `json:"user_id"`
	Status   domain.PresenceStatus `json:"status"`
	LastSeen int64                 `json:"last_seen"`
}

func (PresenceChanged) EventType() string { return TypePresenceChanged }

// Mentioned notifies RecipientID that SenderID mentioned them.
type Mentioned struct {
	RecipientID  int64  `json:"-"`
	ChatID       int64  `json:"chat_id"`
	MessageID    int64  `json:"message_id"`
	SenderID     int64  `json:"sender_id"`
	SenderAvatar string `json:"sender_avatar,omitempty"`
	Title        string `json:"title"`
	Excerpt      string `json:"message"`
	ActionURL    string `json:"action_url"`
	ActionLabel  string `json:"action_label"`
}

func (Mentioned) EventType() string { return TypeMentioned }

// UserTyping tells the other participants of ChatID that UserID is typing.
type UserTyping struct {
	ChatID   int64           `json:"chat_id"`
	ChatType domain.ChatType `json:"chat_type"`
	UserID   int64           `json:"user_id"`
	UserName string          `json:"user_name"`
}

func (UserTyping) EventType() string { return TypeUserTyping }
