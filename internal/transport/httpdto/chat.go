package httpdto

import (
	"relay-chat/internal/domain"
)

// SendMessageRequest is the JSON body of POST /chats/:id/messages. The
// multipart form uses the same field names with metadata JSON-encoded.
type SendMessageRequest struct {
	Content   string         `json:"content" form:"content"`
	ReplyToID *int64         `json:"reply_to" form:"reply_to"`
	TempID    string         `json:"temp_id" form:"temp_id" binding:"max=255"`
	Metadata  map[string]any `json:"metadata" form:"-"`
}

type SendMessageResponse struct {
	Message domain.MessageView `json:"message"`
	TempID  string             `json:"temp_id"`
}

// ListMessagesQuery holds the cursor of GET /chats/:id/messages.
type ListMessagesQuery struct {
	Before int64 `form:"before"`
	Limit  int   `form:"limit"`
}

type MessagesResponse struct {
	Messages []domain.MessageView `json:"messages"`
	HasMore  bool                 `json:"has_more"`
}

// AroundResponse is the window of GET /chats/:id/messages/:messageId/around.
type AroundResponse struct {
	Messages      []domain.MessageView `json:"messages"`
	TargetID      int64                `json:"target_id"`
	HasMoreBefore bool                 `json:"has_more_before"`
	HasMoreAfter  bool                 `json:"has_more_after"`
}

// ListMediaQuery pages GET /chats/:id/media. filter is images, documents or
// all.
type ListMediaQuery struct {
	Filter string `form:"filter"`
	Before int64  `form:"before"`
	Limit  int    `form:"per_page"`
}

type UnreadResponse struct {
	UnreadCount int64 `json:"unread_count"`
}

// DeliveredRequest acknowledges that a message reached the client.
type DeliveredRequest struct {
	MessageID int64 `json:"message_id" binding:"required,gt=0"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
