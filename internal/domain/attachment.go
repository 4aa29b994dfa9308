package domain

import (
	"strings"
	"time"
)

type Attachment struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type"`
	ObjectKey string    `json:"object_key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// UploadedFile is a file received with a send request, before it is stored.
type UploadedFile struct {
	Name        string
	ContentType string
	Content     []byte
}

func (f UploadedFile) Size() int64 {
	return int64(len(f.Content))
}

// StorageUsage is what a chat's attachments occupy.
type StorageUsage struct {
	Files int64 `json:"file_count"`
	Bytes int64 `json:"bytes"`
}

// MediaFilter narrows a chat's attachment listing.
type MediaFilter string

const (
	MediaAll       MediaFilter = ""
	MediaImages    MediaFilter = "images"
	MediaDocuments MediaFilter = "documents"
)

// ParseMediaFilter maps a query value onto a filter; unknown values list
// everything.
func ParseMediaFilter(raw string) MediaFilter {
	switch MediaFilter(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaImages:
		return MediaImages
	case MediaDocuments:
		return MediaDocuments
	default:
		return MediaAll
	}
}

// Matches reports whether a passes the filter.
func (f MediaFilter) Matches(a Attachment) bool {
	switch f {
	case MediaImages:
		return a.IsImage()
	case MediaDocuments:
		return !a.IsImage()
	default:
		return true
	}
}
