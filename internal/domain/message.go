package domain

import (
	"time"
)

// Message ids are assigned by the store and strictly increase; they are the
// only ordering key.
type Message struct {
	ID        int64          `json:"id"`
	ChatID    int64          `json:"chat_id"`
	UserID    int64          `json:"user_id"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	ReplyToID *int64         `json:"reply_to_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Author      *User        `json:"author,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *Message     `json:"reply_to,omitempty"`
}
