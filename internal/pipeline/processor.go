package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"relay-chat/internal/chatcache"
	"relay-chat/internal/events"
	"relay-chat/internal/metrics"
	"relay-chat/internal/repository"
	"relay-chat/internal/services"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"
)

const (
	// DeliveryTask is the task type of a message fan-out.
	DeliveryTask = "chat:process_message"
	// DeliveryQueue is the queue delivery tasks run on.
	DeliveryQueue = "chats"
)

// Processor fans a stored message out to the chat: the broadcast to the
// recipients, the confirmation to the sender, and fresh unread badges.
type Processor struct {
	store       repository.Store
	cache       *chatcache.Cache
	broadcaster events.Broadcaster
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewProcessor(store repository.Store, cache *chatcache.Cache, broadcaster events.Broadcaster, log *logger.Logger, m *metrics.Metrics) *Processor {
	return &Processor{store: store, cache: cache, broadcaster: broadcaster, log: logger.OrNop(log), metrics: m}
}

// Register binds the processor to the delivery task type.
func (p *Processor) Register(s Server) {
	s.Register(DeliveryTask, p.Handle)
}

// Handle decodes a delivery task. A payload that cannot be decoded is
// dropped since no attempt could succeed.
func (p *Processor) Handle(ctx context.Context, t Task) error {
	var d services.Delivery
	if err := json.Unmarshal(t.Payload, &d); err != nil {
		p.log.WithContext(ctx).Errorw("undecodable delivery task", "error", err)
		p.metrics.Task("skipped")
		return nil
	}
	err := p.Process(ctx, d)
	if err != nil {
		p.metrics.Task("failed")
	}
	return err
}

// Process delivers one message. A message, chat or sender that no longer
// exists ends the task without error.
func (p *Processor) Process(ctx context.Context, d services.Delivery) error {
	log := p.log.WithContext(ctx)

	msg, err := p.store.Messages().GetByID(ctx, d.MessageID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		log.Errorw("delivery: message not found", "message_id", d.MessageID)
		p.metrics.Task("skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message %d: %w", d.MessageID, err)
	}
	chat, err := p.store.Chats().GetByID(ctx, d.ChatID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		log.Errorw("delivery: chat not found", "chat_id", d.ChatID)
		p.metrics.Task("skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chat %d: %w", d.ChatID, err)
	}
	sender, err := p.store.Users().GetByID(ctx, d.SenderID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		log.Errorw("delivery: sender not found", "sender_id", d.SenderID)
		p.metrics.Task("skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load sender %d: %w", d.SenderID, err)
	}

	view := services.NormalizeOne(msg, 0, 0)
	log.Infow("delivery: broadcasting message", "message_id", msg.ID, "chat_id", chat.ID)

	created := events.MessageCreated{ChatID: chat.ID, ChatType: chat.Type, ExceptUserID: sender.ID, Message: view}
	if err := p.broadcaster.Publish(ctx, created); err != nil {
		return fmt.Errorf("broadcast message %d: %w", msg.ID, err)
	}
	confirmed := events.MessageConfirmed{ChatID: chat.ID, UserID: sender.ID, TempID: d.TempID, Message: view}
	if err := p.broadcaster.Publish(ctx, confirmed); err != nil {
		return fmt.Errorf("confirm message %d: %w", msg.ID, err)
	}

	recipients := chat.Others(sender.ID)
	for _, r := range recipients {
		p.cache.FlushChatList(ctx, r.UserID)
		p.cache.FlushMessages(ctx, chat.ID)

		unread, err := p.store.Messages().CountUnreadForUser(ctx, r.UserID)
		if err != nil {
			return fmt.Errorf("count unread for %d: %w", r.UserID, err)
		}
		p.cache.PutUnread(ctx, r.UserID, unread)

		if err := p.broadcaster.Publish(ctx, events.BadgeUpdated{UserID: r.UserID, UnreadCount: unread}); err != nil {
			return fmt.Errorf("badge for %d: %w", r.UserID, err)
		}
		log.Debugw("delivery: badge updated", "recipient_id", r.UserID, "unread_count", unread)
	}

	p.metrics.FanoutRecipients(len(recipients))
	p.metrics.Task("ok")
	return nil
}
