package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"relay-chat/internal/chatcache"
	"relay-chat/internal/domain"
	"relay-chat/internal/events"
	"relay-chat/internal/mention"
	"relay-chat/internal/metrics"
	"relay-chat/internal/repository"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"

	"github.com/google/uuid"
)

const (
	MaxMessageLength = 4000
	mentionExcerpt   = 100
)

// Delivery is the payload of the asynchronous fan-out for one message.
type Delivery struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	SenderID  int64  `json:"sender_id"`
	TempID    string `json:"temp_id"`
}

// DeliveryEnqueuer schedules the fan-out of a stored message.
type DeliveryEnqueuer interface {
	EnqueueDelivery(ctx context.Context, d Delivery) error
}

type SendInput struct {
	ChatID    int64
	UserID    int64
	Content   string
	Files     []domain.UploadedFile
	ReplyToID *int64
	Metadata  map[string]any
}

// ChatEngine owns message creation and read state.
type ChatEngine struct {
	store       repository.Store
	media       *MediaService
	cache       *chatcache.Cache
	broadcaster events.Broadcaster
	mentions    *mention.Resolver
	enqueuer    DeliveryEnqueuer
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewChatEngine(store repository.Store, media *MediaService, cache *chatcache.Cache, broadcaster events.Broadcaster, log *logger.Logger, m *metrics.Metrics) *ChatEngine {
	return &ChatEngine{
		store:       store,
		media:       media,
		cache:       cache,
		broadcaster: broadcaster,
		mentions:    mention.NewResolver(mention.NameContains{}),
		log:         logger.OrNop(log),
		metrics:     m,
	}
}

// WithEnqueuer sets where SendMessage schedules deliveries.
func (e *ChatEngine) WithEnqueuer(q DeliveryEnqueuer) *ChatEngine {
	e.enqueuer = q
	return e
}

// WithMatcher replaces how mention tokens are matched to names.
func (e *ChatEngine) WithMatcher(m mention.Matcher) *ChatEngine {
	e.mentions = mention.NewResolver(m)
	return e
}

func (e *ChatEngine) validate(ctx context.Context, in *SendInput) error {
	in.Content = strings.TrimSpace(in.Content)
	if utf8.RuneCountInString(in.Content) > MaxMessageLength {
		return relay_errors.Invalid("content", "Message may not be longer than %d characters.", MaxMessageLength)
	}
	if in.Content == "" && len(in.Metadata) == 0 && len(in.Files) == 0 {
		return relay_errors.Invalid("content", "Message cannot be empty.")
	}
	if len(in.Files) > 0 && e.media == nil {
		return relay_errors.Invalid("files", "Attachments are not enabled.")
	}
	if in.ReplyToID != nil {
		chatID, err := e.store.Messages().ChatIDOf(ctx, *in.ReplyToID)
		if errors.Is(err, relay_errors.ErrNotFound) || (err == nil && chatID != in.ChatID) {
			return relay_errors.Invalid("reply_to", "Reply target not found in this chat.")
		}
		if err != nil {
			return fmt.Errorf("resolve reply target: %w", err)
		}
	}
	return nil
}

// Send validates and stores a message with its files in one transaction.
// After commit it broadcasts the message to the other participants and
// notifies mentioned participants.
func (e *ChatEngine) Send(ctx context.Context, in SendInput) (domain.Message, error) {
	if err := e.validate(ctx, &in); err != nil {
		return domain.Message{}, err
	}
	chat, err := e.store.Chats().GetByID(ctx, in.ChatID)
	if err != nil {
		return domain.Message{}, err
	}
	if !chat.HasParticipant(in.UserID) {
		return domain.Message{}, relay_errors.ErrForbidden
	}

	var (
		msg      domain.Message
		attached []domain.Attachment
	)
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		if len(in.Files) > 0 {
			if err := e.media.ValidateFiles(ctx, in.Files, chat); err != nil {
				return err
			}
		}

		created := domain.Message{
			ChatID:    in.ChatID,
			UserID:    in.UserID,
			Type:      domain.MessageTypeText,
			Content:   in.Content,
			ReplyToID: in.ReplyToID,
			Metadata:  in.Metadata,
		}
		if err := e.store.Messages().Create(ctx, &created); err != nil {
			return fmt.Errorf("create message: %w", err)
		}

		if len(in.Files) > 0 {
			var err error
			attached, err = e.media.AttachFiles(ctx, created, in.Files)
			if err != nil {
				return err
			}
		}

		var err error
		msg, err = e.store.Messages().GetByID(ctx, created.ID)
		if err != nil {
			return fmt.Errorf("reload message: %w", err)
		}
		return nil
	})
	if err != nil {
		e.media.Remove(ctx, attached)
		return domain.Message{}, err
	}

	e.metrics.MessageSent()
	e.log.WithContext(ctx).Infow("message stored",
		"message_id", msg.ID,
		"chat_id", msg.ChatID,
		"attachments", len(msg.Attachments),
	)

	created := events.MessageCreated{
		ChatID:       chat.ID,
		ChatType:     chat.Type,
		ExceptUserID: in.UserID,
		Message:      NormalizeOne(msg, 0, 0),
	}
	if err := e.broadcaster.Publish(ctx, created); err != nil {
		e.log.Warnw("message broadcast failed", "message_id", msg.ID, "error", err)
	}

	e.notifyMentions(ctx, chat, msg)
	return msg, nil
}

// SendMessage stores the message and schedules its delivery. tempID ties the
// stored message to the client's optimistic copy; one is generated when the
// client sent none.
func (e *ChatEngine) SendMessage(ctx context.Context, in SendInput, tempID string) (domain.Message, string, error) {
	msg, err := e.Send(ctx, in)
	if err != nil {
		return domain.Message{}, "", err
	}
	if tempID == "" {
		tempID = uuid.NewString()
	}
	if e.enqueuer == nil {
		return msg, tempID, nil
	}

	d := Delivery{MessageID: msg.ID, ChatID: msg.ChatID, SenderID: msg.UserID, TempID: tempID}
	if err := e.enqueuer.EnqueueDelivery(ctx, d); err != nil {
		e.log.WithContext(ctx).Errorw("delivery enqueue failed", "message_id", msg.ID, "error", err)
	}
	return msg, tempID, nil
}

func (e *ChatEngine) notifyMentions(ctx context.Context, chat domain.Chat, msg domain.Message) {
	tokens := mention.Tokens(msg.Content)
	if len(tokens) == 0 {
		return
	}
	mentioned := e.mentions.Resolve(tokens, chat.Participants, msg.UserID)
	if len(mentioned) == 0 {
		return
	}

	senderName, senderAvatar := deactivatedUserName, ""
	if msg.Author != nil {
		senderName, senderAvatar = msg.Author.Name, msg.Author.AvatarURL
	}
	for _, p := range mentioned {
		ev := events.Mentioned{
			RecipientID:  p.UserID,
			ChatID:       chat.ID,
			MessageID:    msg.ID,
			SenderID:     msg.UserID,
			SenderAvatar: senderAvatar,
			Title:        senderName + " mentioned you",
			Excerpt:      domain.Limit(msg.Content, mentionExcerpt),
			ActionURL:    fmt.Sprintf("/chat/%d?messageId=%d", chat.ID, msg.ID),
			ActionLabel:  "View Message",
		}
		if err := e.broadcaster.Publish(ctx, ev); err != nil {
			e.log.Warnw("mention notification failed", "message_id", msg.ID, "recipient_id", p.UserID, "error", err)
		}
	}
}

// MarkRead moves userID's watermark in chatID to the newest message. An
// empty chat is left alone. Other participants get a read receipt and the
// reader gets a fresh unread badge.
func (e *ChatEngine) MarkRead(ctx context.Context, chatID, userID int64) error {
	chat, err := e.store.Chats().GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return relay_errors.ErrNotFound
	}

	var latest int64
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		latest, err = e.store.Messages().LatestID(ctx, chatID)
		if err != nil {
			return fmt.Errorf("find latest message: %w", err)
		}
		if latest == 0 {
			return nil
		}
		return e.store.Chats().SetLastRead(ctx, chatID, userID, latest)
	})
	if err != nil {
		return err
	}
	if latest == 0 {
		return nil
	}

	for _, p := range chat.Others(userID) {
		receipt := events.MessageRead{
			ChatID:            chatID,
			LastReadMessageID: latest,
			ReaderID:          userID,
			RecipientID:       p.UserID,
		}
		if err := e.broadcaster.Publish(ctx, receipt); err != nil {
			e.log.Warnw("read receipt broadcast failed", "chat_id", chatID, "recipient_id", p.UserID, "error", err)
		}
	}

	unread, err := e.UnreadFor(ctx, userID)
	if err != nil {
		return err
	}
	e.cache.PutUnread(ctx, userID, unread)
	e.cache.FlushChatList(ctx, userID)
	if err := e.broadcaster.Publish(ctx, events.BadgeUpdated{UserID: userID, UnreadCount: unread}); err != nil {
		e.log.Warnw("badge broadcast failed", "user_id", userID, "error", err)
	}
	return nil
}

// Typing tells the other participants of chatID that userID is typing.
// Delivery is best effort.
func (e *ChatEngine) Typing(ctx context.Context, chatID, userID int64) error {
	chat, err := e.store.Chats().GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	p, ok := chat.Participant(userID)
	if !ok {
		return relay_errors.ErrNotFound
	}

	name := deactivatedUserName
	if p.User != nil {
		name = p.User.Name
	}
	ev := events.UserTyping{ChatID: chat.ID, ChatType: chat.Type, UserID: userID, UserName: name}
	if err := e.broadcaster.Publish(ctx, ev); err != nil {
		e.log.Warnw("typing broadcast failed", "chat_id", chatID, "user_id", userID, "error", err)
	}
	return nil
}

// UnreadCount counts userID's unread messages in one chat.
func (e *ChatEngine) UnreadCount(ctx context.Context, chatID, userID int64) (int64, error) {
	return e.store.Messages().CountUnread(ctx, chatID, userID)
}

// UnreadFor counts userID's unread messages over every chat, bypassing the
// cache.
func (e *ChatEngine) UnreadFor(ctx context.Context, userID int64) (int64, error) {
	n, err := e.store.Messages().CountUnreadForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread for user %d: %w", userID, err)
	}
	return n, nil
}

// CreateSystemMessage stores a system notice attributed to userID and
// broadcasts it to every participant.
func (e *ChatEngine) CreateSystemMessage(ctx context.Context, chatID, userID int64, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, relay_errors.Invalid("content", "Message cannot be empty.")
	}
	chat, err := e.store.Chats().GetByID(ctx, chatID)
	if err != nil {
		return domain.Message{}, err
	}

	created := domain.Message{ChatID: chatID, UserID: userID, Type: domain.MessageTypeSystem, Content: content}
	if err := e.store.Messages().Create(ctx, &created); err != nil {
		return domain.Message{}, fmt.Errorf("create system message: %w", err)
	}
	msg, err := e.store.Messages().GetByID(ctx, created.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("reload message: %w", err)
	}

	e.cache.FlushMessages(ctx, chatID)
	ev := events.MessageCreated{ChatID: chatID, ChatType: chat.Type, Message: NormalizeOne(msg, 0, 0)}
	if err := e.broadcaster.Publish(ctx, ev); err != nil {
		e.log.Warnw("system message broadcast failed", "message_id", msg.ID, "error", err)
	}
	e.refreshParticipants(ctx, chat, userID)
	return msg, nil
}

// refreshParticipants drops the cached chat lists of chat's participants and
// pushes a fresh unread badge to everyone but authorID.
func (e *ChatEngine) refreshParticipants(ctx context.Context, chat domain.Chat, authorID int64) {
	for _, p := range chat.Participants {
		e.cache.FlushChatList(ctx, p.UserID)
		if p.UserID == authorID {
			continue
		}
		unread, err := e.UnreadFor(ctx, p.UserID)
		if err != nil {
			e.cache.ForgetUnread(ctx, p.UserID)
			e.log.Warnw("unread refresh failed", "chat_id", chat.ID, "user_id", p.UserID, "error", err)
			continue
		}
		e.cache.PutUnread(ctx, p.UserID, unread)
		if err := e.broadcaster.Publish(ctx, events.BadgeUpdated{UserID: p.UserID, UnreadCount: unread}); err != nil {
			e.log.Warnw("badge broadcast failed", "user_id", p.UserID, "error", err)
		}
	}
}
