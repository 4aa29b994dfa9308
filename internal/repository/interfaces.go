package repository

import (
	"context"

	"relay-chat/internal/domain"
)

// Transactor runs fn atomically. Repository calls made with the context
// passed to fn take part in the same transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type MessageRepository interface {
	// Create inserts m and fills in its ID and timestamps.
	Create(ctx context.Context, m *domain.Message) error
	// GetByID loads the message with its author, attachments and reply target.
	GetByID(ctx context.Context, id int64) (domain.Message, error)
	ChatIDOf(ctx context.Context, messageID int64) (int64, error)
	// LatestID is the highest message id in chatID, or 0 for an empty chat.
	LatestID(ctx context.Context, chatID int64) (int64, error)
	// ListBefore returns up to limit messages with id < beforeID, newest
	// first. beforeID 0 means from the latest message.
	ListBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]domain.Message, error)
	// ListAfter returns every message with id > afterID, oldest first.
	ListAfter(ctx context.Context, chatID, afterID int64) ([]domain.Message, error)
	// ListNewer is ListAfter bounded to limit messages.
	ListNewer(ctx context.Context, chatID, afterID int64, limit int) ([]domain.Message, error)
	// CountUnread counts messages in chatID above userID's read watermark
	// written by someone else.
	CountUnread(ctx context.Context, chatID, userID int64) (int64, error)
	// CountUnreadForUser is CountUnread summed over every chat of userID.
	CountUnreadForUser(ctx context.Context, userID int64) (int64, error)
}

type ChatRepository interface {
	// GetByID loads the chat with its participants and their users.
	GetByID(ctx context.Context, id int64) (domain.Chat, error)
	ListForUser(ctx context.Context, userID int64) ([]domain.ChatSummary, error)
	// SetLastRead moves the read watermark forward. It never lowers it.
	SetLastRead(ctx context.Context, chatID, userID, messageID int64) error
}

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (domain.User, error)
	GetByIDs(ctx context.Context, ids []int64) ([]domain.User, error)
	SetPresencePreference(ctx context.Context, id int64, status domain.PresenceStatus) error
}

type AttachmentRepository interface {
	Create(ctx context.Context, a *domain.Attachment) error
	GetByID(ctx context.Context, id int64) (domain.Attachment, error)
	// ChatUsage counts the attachments stored for chatID and their bytes.
	ChatUsage(ctx context.Context, chatID int64) (domain.StorageUsage, error)
	// ListForChat returns up to limit attachments of chatID with id <
	// beforeID that pass filter, newest first. beforeID 0 starts from the
	// newest.
	ListForChat(ctx context.Context, chatID int64, filter domain.MediaFilter, beforeID int64, limit int) ([]domain.Attachment, error)
	Delete(ctx context.Context, id int64) error
}
