package services

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"

	"relay-chat/internal/domain"
	"relay-chat/internal/repository"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	MaxFilesPerRequest = 10
	MaxFileSize        = 5 << 20
	MaxRequestSize     = 10 << 20

	DefaultMediaPageSize = 24

	QuotaDM    = 1 << 30
	QuotaGroup = 1 << 30
	QuotaTeam  = 1 << 30
)

var (
	allowedImageExtensions    = []string{"jpg", "jpeg", "png", "webp", "gif"}
	allowedDocumentExtensions = []string{"pdf", "doc", "docx", "xls", "xlsx", "txt"}

	allowedMimeTypes = []string{
		"image/jpeg",
		"image/jpg",
		"image/png",
		"image/webp",
		"image/gif",
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/plain",
		"application/octet-stream",
		"application/x-empty",
	}
)

// ObjectStore holds attachment bodies.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string) (string, error)
}

// StorageStats describes a chat's attachment quota.
type StorageStats struct {
	FileCount      int64   `json:"file_count"`
	UsageBytes     int64   `json:"usage_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	RemainingBytes int64   `json:"remaining_bytes"`
	UsageMB        float64 `json:"usage_mb"`
	LimitMB        float64 `json:"limit_mb"`
	PercentageUsed float64 `json:"percentage_used"`
}

// MediaItem is one attachment in a chat's media listing.
type MediaItem struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	MimeType  string `json:"mime_type"`
	IsImage   bool   `json:"is_image"`
	CreatedAt string `json:"created_at"`
	URL       string `json:"url"`
}

type MediaPage struct {
	Items   []MediaItem `json:"data"`
	HasMore bool        `json:"has_more"`
}

type MediaService struct {
	attachments repository.AttachmentRepository
	objects     ObjectStore
	log         *logger.Logger
}

func NewMediaService(attachments repository.AttachmentRepository, objects ObjectStore, log *logger.Logger) *MediaService {
	return &MediaService{attachments: attachments, objects: objects, log: logger.OrNop(log)}
}

// QuotaFor is the attachment quota of a chat type.
func QuotaFor(t domain.ChatType) int64 {
	switch t {
	case domain.ChatTypeGroup:
		return QuotaGroup
	case domain.ChatTypeTeam:
		return QuotaTeam
	default:
		return QuotaDM
	}
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// detectMime sniffs the content; the client supplied type is ignored.
func detectMime(f domain.UploadedFile) string {
	if len(f.Content) == 0 {
		return "application/x-empty"
	}
	detected := mimetype.Detect(f.Content)
	for _, allowed := range allowedMimeTypes {
		if detected.Is(allowed) {
			return allowed
		}
	}
	return detected.String()
}

// ValidateFiles checks count, sizes, types and the chat's remaining quota.
// Every violation is a validation error with a user facing message.
func (s *MediaService) ValidateFiles(ctx context.Context, files []domain.UploadedFile, chat domain.Chat) error {
	if len(files) > MaxFilesPerRequest {
		return relay_errors.Reject(relay_errors.ErrTooLarge, "files",
			"Too many files. Maximum %d files per upload.", MaxFilesPerRequest)
	}

	allowedExtensions := append(append([]string{}, allowedImageExtensions...), allowedDocumentExtensions...)
	var total int64
	for _, f := range files {
		if f.Size() > MaxFileSize {
			return relay_errors.Reject(relay_errors.ErrTooLarge, "files",
				"File %s exceeds maximum size of 5MB.", f.Name)
		}
		ext := extensionOf(f.Name)
		if !lo.Contains(allowedExtensions, ext) {
			return relay_errors.Invalid("files", "File type .%s is not allowed.", ext)
		}
		if mime := detectMime(f); !lo.Contains(allowedMimeTypes, mime) {
			return relay_errors.Invalid("files", "File MIME type %s is not allowed.", mime)
		}
		total += f.Size()
	}

	if total > MaxRequestSize {
		return relay_errors.Reject(relay_errors.ErrTooLarge, "files",
			"Total file size exceeds maximum of 10MB per upload.")
	}

	usage, err := s.attachments.ChatUsage(ctx, chat.ID)
	if err != nil {
		return fmt.Errorf("load chat storage usage: %w", err)
	}
	limit := QuotaFor(chat.Type)
	if usage.Bytes+total > limit {
		return relay_errors.Reject(relay_errors.ErrQuotaExceeded, "files",
			"File storage limit reached for this chat. %.2fMB remaining.", toMB(limit-usage.Bytes))
	}
	return nil
}

// AttachFiles uploads files and records them against msg. Objects already
// uploaded are removed again when a later file fails.
func (s *MediaService) AttachFiles(ctx context.Context, msg domain.Message, files []domain.UploadedFile) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(files))
	var uploaded []string
	fail := func(err error) ([]domain.Attachment, error) {
		for _, key := range uploaded {
			if derr := s.objects.Delete(ctx, key); derr != nil {
				s.log.Warnw("attachment cleanup failed", "object_key", key, "error", derr)
			}
		}
		return nil, err
	}

	for _, f := range files {
		mime := detectMime(f)
		key := fmt.Sprintf("chats/%d/%s", msg.ChatID, uuid.NewString())
		if ext := extensionOf(f.Name); ext != "" {
			key += "." + ext
		}
		if err := s.objects.Put(ctx, key, mime, f.Content); err != nil {
			return fail(fmt.Errorf("upload %s: %w", f.Name, err))
		}
		uploaded = append(uploaded, key)

		a := domain.Attachment{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			FileName:  f.Name,
			MimeType:  mime,
			ObjectKey: key,
			Size:      f.Size(),
		}
		if err := s.attachments.Create(ctx, &a); err != nil {
			return fail(fmt.Errorf("record attachment %s: %w", f.Name, err))
		}
		out = append(out, a)
	}
	return out, nil
}

// Remove deletes stored objects, used when the surrounding send rolled back.
func (s *MediaService) Remove(ctx context.Context, attachments []domain.Attachment) {
	for _, a := range attachments {
		if err := s.objects.Delete(ctx, a.ObjectKey); err != nil {
			s.log.Warnw("attachment cleanup failed", "object_key", a.ObjectKey, "error", err)
		}
	}
}

// URL resolves the download location of an attachment. Failures yield an
// empty URL.
func (s *MediaService) URL(ctx context.Context, a domain.Attachment) string {
	if s == nil || s.objects == nil {
		return ""
	}
	u, err := s.objects.URL(ctx, a.ObjectKey)
	if err != nil {
		s.log.Warnw("attachment url failed", "attachment_id", a.ID, "error", err)
		return ""
	}
	return u
}

// ListMedia pages through a chat's attachments, newest first.
func (s *MediaService) ListMedia(ctx context.Context, chatID int64, filter domain.MediaFilter, beforeID int64, limit int) (MediaPage, error) {
	if limit == 0 {
		limit = DefaultMediaPageSize
	}
	limit = max(1, min(MaxPageSize, limit))

	rows, err := s.attachments.ListForChat(ctx, chatID, filter, beforeID, limit+1)
	if err != nil {
		return MediaPage{}, fmt.Errorf("list media of chat %d: %w", chatID, err)
	}
	page := MediaPage{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	page.Items = lo.Map(rows, func(a domain.Attachment, _ int) MediaItem {
		return MediaItem{
			ID:        a.ID,
			MessageID: a.MessageID,
			Name:      a.FileName,
			Size:      a.Size,
			SizeHuman: humanSize(a.Size),
			MimeType:  a.MimeType,
			IsImage:   a.IsImage(),
			CreatedAt: domain.FormatTime(a.CreatedAt),
			URL:       MediaURL(a.ID),
		}
	})
	return page, nil
}

// Delete removes an attachment record and its stored object. The quota
// is released with the record; a failed object delete is only logged.
func (s *MediaService) Delete(ctx context.Context, a domain.Attachment) error {
	if err := s.attachments.Delete(ctx, a.ID); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, a.ObjectKey); err != nil {
		s.log.Warnw("attachment object delete failed", "attachment_id", a.ID, "object_key", a.ObjectKey, "error", err)
	}
	s.log.WithContext(ctx).Infow("attachment deleted", "attachment_id", a.ID, "chat_id", a.ChatID, "size", a.Size)
	return nil
}

func humanSize(bytes int64) string {
	if bytes >= 1<<20 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1<<20))
	}
	return fmt.Sprintf("%.1f KB", float64(max(bytes, 1))/1024)
}

func (s *MediaService) StorageStats(ctx context.Context, chat domain.Chat) (StorageStats, error) {
	usage, err := s.attachments.ChatUsage(ctx, chat.ID)
	if err != nil {
		return StorageStats{}, fmt.Errorf("load chat storage usage: %w", err)
	}
	limit := QuotaFor(chat.Type)
	stats := StorageStats{
		FileCount:      usage.Files,
		UsageBytes:     usage.Bytes,
		LimitBytes:     limit,
		RemainingBytes: max(0, limit-usage.Bytes),
		UsageMB:        toMB(usage.Bytes),
		LimitMB:        toMB(limit),
	}
	if limit > 0 {
		stats.PercentageUsed = math.Round(float64(usage.Bytes)/float64(limit)*1000) / 10
	}
	return stats, nil
}

func toMB(bytes int64) float64 {
	return math.Round(float64(bytes)/1024/1024*100) / 100
}
