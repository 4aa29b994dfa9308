package domain

import (
	"time"
	"unicode/utf8"
)

const (
	replyExcerptLength   = 100
	attachmentNameLength = 40
)

// MessageView is the wire form of a message as seen by a particular viewer.
type MessageView struct {
	ID          int64            `json:"id"`
	ChatID      int64            `json:"chat_id"`
	Type        MessageType      `json:"type"`
	Metadata    map[string]any   `json:"metadata"`
	UserID      int64            `json:"user_id"`
	UserName    string           `json:"user_name"`
	UserAvatar  *string          `json:"user_avatar"`
	Content     string           `json:"content"`
	CreatedAt   string           `json:"created_at"`
	IsSeen      bool             `json:"is_seen"`
	Seen        bool             `json:"seen"`
	SeenAt      *string          `json:"seen_at"`
	ReplyTo     *ReplyView       `json:"reply_to"`
	Attachments []AttachmentView `json:"attachments"`
}

type ReplyView struct {
	ID       int64  `json:"id"`
	UserID   *int64 `json:"user_id"`
	UserName string `json:"user_name"`
	Content  string `json:"content"`
	HasMedia bool   `json:"has_media"`
}

type AttachmentView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	IsImage  bool   `json:"is_image"`
	URL      string `json:"url"`
}

// FormatTime renders timestamps the way every event and view does.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Limit truncates s to n runes, appending "..." when it cut something.
func Limit(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func LimitReply(s string) string {
	return Limit(s, replyExcerptLength)
}

func LimitAttachmentName(s string) string {
	return Limit(s, attachmentNameLength)
}
