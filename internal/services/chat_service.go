package services

import (
	"context"
	"errors"

	"relay-chat/internal/chatcache"
	"relay-chat/internal/domain"
	"relay-chat/internal/presence"
	"relay-chat/internal/proxy"
	"relay-chat/internal/repository"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"

	"github.com/samber/lo"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 50
	// AroundWindow is how many messages MessagesAround returns on each side
	// of its target.
	AroundWindow = 15
)

// MessagePage is a window of messages as one viewer sees it, oldest first.
type MessagePage struct {
	Messages []domain.MessageView `json:"data"`
	HasMore  bool                 `json:"has_more"`
}

// AroundPage is the window of messages around a target message.
type AroundPage struct {
	Messages      []domain.MessageView `json:"data"`
	TargetID      int64                `json:"target_id"`
	HasMoreBefore bool                 `json:"has_more_before"`
	HasMoreAfter  bool                 `json:"has_more_after"`
}

// PresenceQuerier reports presence the way peers see it.
type PresenceQuerier interface {
	Query(ctx context.Context, userIDs []int64) ([]presence.Snapshot, error)
}

// ChatService serves the read side of chats through the chat cache.
type ChatService struct {
	store    repository.Store
	access   *proxy.AccessControl
	cache    *chatcache.Cache
	media    *MediaService
	presence PresenceQuerier
	log      *logger.Logger
}

func NewChatService(store repository.Store, access *proxy.AccessControl, cache *chatcache.Cache, media *MediaService, log *logger.Logger) *ChatService {
	return &ChatService{store: store, access: access, cache: cache, media: media, log: logger.OrNop(log)}
}

// WithPresence sets where Show looks up participant presence. Without it
// every participant is reported offline.
func (s *ChatService) WithPresence(p PresenceQuerier) *ChatService {
	s.presence = p
	return s
}

// ClampPageSize bounds a requested page size, 0 meaning the default.
func ClampPageSize(limit int) int {
	if limit == 0 {
		return DefaultPageSize
	}
	return max(1, min(MaxPageSize, limit))
}

// LoadMessages returns the messages of chatID older than beforeID, or the
// newest ones when beforeID is 0. A cursor from another chat yields an
// empty page.
func (s *ChatService) LoadMessages(ctx context.Context, chatID, viewerID, beforeID int64, limit int) (MessagePage, error) {
	chat, err := s.access.ViewableChat(ctx, viewerID, chatID)
	if err != nil {
		return MessagePage{}, err
	}
	limit = ClampPageSize(limit)

	if beforeID > 0 {
		cursorChat, err := s.store.Messages().ChatIDOf(ctx, beforeID)
		if errors.Is(err, relay_errors.ErrNotFound) || (err == nil && cursorChat != chatID) {
			return MessagePage{Messages: []domain.MessageView{}}, nil
		}
		if err != nil {
			return MessagePage{}, err
		}
	}

	page, hit := s.cache.Messages(ctx, chatID, beforeID, limit)
	if !hit {
		rows, err := s.store.Messages().ListBefore(ctx, chatID, beforeID, limit+1)
		if err != nil {
			return MessagePage{}, err
		}
		page = chatcache.Page{Messages: rows, HasMore: len(rows) > limit}
		if page.HasMore {
			page.Messages = rows[:limit]
		}
		s.cache.PutMessages(ctx, chatID, beforeID, limit, page)
	}

	return MessagePage{
		Messages: Normalize(page.Messages, viewerID, chat.Participants),
		HasMore:  page.HasMore,
	}, nil
}

// ChatList returns userID's chats, newest activity first.
func (s *ChatService) ChatList(ctx context.Context, userID int64) ([]domain.ChatSummary, error) {
	if list, ok := s.cache.ChatList(ctx, userID); ok {
		return list, nil
	}
	list, err := s.store.Chats().ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.ChatSummary{}
	}
	for i := range list {
		list[i].IsUnread = chatcache.ChatIsUnread(list[i].LastMessageID, &domain.Participant{LastReadMessageID: list[i].LastReadMessageID})
	}
	s.cache.PutChatList(ctx, userID, list)
	return list, nil
}

// Unread is userID's cached unread total.
func (s *ChatService) Unread(ctx context.Context, userID int64) (int64, error) {
	return s.cache.Unread(ctx, userID)
}

func (s *ChatService) StorageStats(ctx context.Context, chatID, userID int64) (StorageStats, error) {
	chat, err := s.access.ViewableChat(ctx, userID, chatID)
	if err != nil {
		return StorageStats{}, err
	}
	return s.media.StorageStats(ctx, chat)
}

// MediaLocation resolves where a participant can download an attachment.
func (s *ChatService) MediaLocation(ctx context.Context, attachmentID, userID int64) (domain.Attachment, string, error) {
	a, err := s.store.Attachments().GetByID(ctx, attachmentID)
	if err != nil {
		return domain.Attachment{}, "", err
	}
	if err := s.access.CanViewChat(ctx, userID, a.ChatID); err != nil {
		return domain.Attachment{}, "", err
	}
	u := s.media.URL(ctx, a)
	if u == "" {
		return domain.Attachment{}, "", relay_errors.ErrServiceUnavailable
	}
	return a, u, nil
}

// MessagesAround returns the messages surrounding messageID in chatID,
// oldest first, with AroundWindow messages on each side when available.
func (s *ChatService) MessagesAround(ctx context.Context, chatID, viewerID, messageID int64) (AroundPage, error) {
	chat, err := s.access.ViewableChat(ctx, viewerID, chatID)
	if err != nil {
		return AroundPage{}, err
	}
	owner, err := s.store.Messages().ChatIDOf(ctx, messageID)
	if err != nil {
		return AroundPage{}, err
	}
	if owner != chatID {
		return AroundPage{}, relay_errors.ErrNotFound
	}

	before, err := s.store.Messages().ListBefore(ctx, chatID, messageID, AroundWindow+1)
	if err != nil {
		return AroundPage{}, err
	}
	target, err := s.store.Messages().GetByID(ctx, messageID)
	if err != nil {
		return AroundPage{}, err
	}
	after, err := s.store.Messages().ListNewer(ctx, chatID, messageID, AroundWindow+1)
	if err != nil {
		return AroundPage{}, err
	}

	page := AroundPage{
		TargetID:      messageID,
		HasMoreBefore: len(before) > AroundWindow,
		HasMoreAfter:  len(after) > AroundWindow,
	}
	if page.HasMoreBefore {
		before = before[:AroundWindow]
	}
	if page.HasMoreAfter {
		after = after[:AroundWindow]
	}
	window := make([]domain.Message, 0, len(before)+1+len(after))
	window = append(append(append(window, before...), target), after...)
	page.Messages = Normalize(window, viewerID, chat.Participants)
	return page, nil
}

// ParticipantView is a chat member together with the presence peers see.
type ParticipantView struct {
	UserID         int64                  `json:"user_id"`
	Name           string                 `json:"name"`
	Avatar         *string                `json:"avatar"`
	Role           domain.ParticipantRole `json:"role"`
	IsOnline       bool                   `json:"is_online"`
	PresenceStatus domain.PresenceStatus  `json:"presence_status"`
}

type LastMessageView struct {
	ID        int64  `json:"id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	HasMedia  bool   `json:"has_media"`
}

// ChatDetail is a single chat as its participants see it.
type ChatDetail struct {
	ID           int64             `json:"id"`
	Type         domain.ChatType   `json:"type"`
	Name         string            `json:"name,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	Participants []ParticipantView `json:"participants"`
	LastMessage  *LastMessageView  `json:"last_message"`
}

// Show describes chatID for viewerID, with each participant's presence.
func (s *ChatService) Show(ctx context.Context, chatID, viewerID int64) (ChatDetail, error) {
	chat, err := s.access.ViewableChat(ctx, viewerID, chatID)
	if err != nil {
		return ChatDetail{}, err
	}

	statuses := s.participantPresence(ctx, chat)
	detail := ChatDetail{
		ID:        chat.ID,
		Type:      chat.Type,
		Name:      chat.Name,
		CreatedAt: domain.FormatTime(chat.CreatedAt),
		UpdatedAt: domain.FormatTime(chat.UpdatedAt),
		Participants: lo.Map(chat.Participants, func(p domain.Participant, _ int) ParticipantView {
			status, ok := statuses[p.UserID]
			if !ok {
				status = domain.PresenceOffline
			}
			view := ParticipantView{
				UserID:         p.UserID,
				Name:           deactivatedUserName,
				Role:           p.Role,
				IsOnline:       status != domain.PresenceOffline,
				PresenceStatus: status,
			}
			if p.User != nil {
				view.Name = p.User.Name
				if p.User.AvatarURL != "" {
					view.Avatar = lo.ToPtr(p.User.AvatarURL)
				}
			}
			return view
		}),
	}

	latest, err := s.store.Messages().LatestID(ctx, chatID)
	if err != nil {
		return ChatDetail{}, err
	}
	if latest > 0 {
		last, err := s.store.Messages().GetByID(ctx, latest)
		if err != nil {
			return ChatDetail{}, err
		}
		view := NormalizeOne(last, 0, 0)
		detail.LastMessage = &LastMessageView{
			ID:        last.ID,
			UserName:  view.UserName,
			Content:   last.Content,
			CreatedAt: view.CreatedAt,
			HasMedia:  len(last.Attachments) > 0,
		}
	}
	return detail, nil
}

// participantPresence queries presence in batches the tracker accepts. A
// failed batch leaves its users offline.
func (s *ChatService) participantPresence(ctx context.Context, chat domain.Chat) map[int64]domain.PresenceStatus {
	out := make(map[int64]domain.PresenceStatus, len(chat.Participants))
	if s.presence == nil {
		return out
	}
	ids := lo.Map(chat.Participants, func(p domain.Participant, _ int) int64 { return p.UserID })
	for _, batch := range lo.Chunk(ids, presence.MaxQueryUsers) {
		snaps, err := s.presence.Query(ctx, batch)
		if err != nil {
			s.log.Warnw("participant presence unavailable", "chat_id", chat.ID, "error", err)
			continue
		}
		for _, snap := range snaps {
			out[snap.UserID] = snap.Status
		}
	}
	return out
}

// ChatMedia lists the attachments of chatID for a participant.
func (s *ChatService) ChatMedia(ctx context.Context, chatID, userID int64, filter domain.MediaFilter, beforeID int64, limit int) (MediaPage, error) {
	if err := s.access.CanViewChat(ctx, userID, chatID); err != nil {
		return MediaPage{}, err
	}
	return s.media.ListMedia(ctx, chatID, filter, beforeID, limit)
}

// DeleteMedia removes an attachment of chatID. The author of its message
// and the chat's owners and admins may delete it.
func (s *ChatService) DeleteMedia(ctx context.Context, chatID, attachmentID, userID int64) error {
	chat, err := s.access.ViewableChat(ctx, userID, chatID)
	if err != nil {
		return err
	}
	a, err := s.store.Attachments().GetByID(ctx, attachmentID)
	if err != nil {
		return err
	}
	if a.ChatID != chatID {
		return relay_errors.ErrNotFound
	}

	allowed, err := s.canDeleteMedia(ctx, chat, a, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return relay_errors.ErrForbidden
	}
	if err := s.media.Delete(ctx, a); err != nil {
		return err
	}
	s.cache.FlushMessages(ctx, chatID)
	return nil
}

func (s *ChatService) canDeleteMedia(ctx context.Context, chat domain.Chat, a domain.Attachment, userID int64) (bool, error) {
	if p, ok := chat.Participant(userID); ok {
		if p.Role == domain.ParticipantRoleOwner || p.Role == domain.ParticipantRoleAdmin {
			return true, nil
		}
	}
	msg, err := s.store.Messages().GetByID(ctx, a.MessageID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return msg.UserID == userID, nil
}
