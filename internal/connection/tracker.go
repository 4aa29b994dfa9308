// Package connection tracks which users have a chat open and which messages
// reached them, so a client that silently dropped can resynchronize.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/domain"
	"relay-chat/internal/metrics"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"

	"github.com/samber/lo"
)

const (
	HeartbeatInterval = 15 * time.Second
	// FreshWithin is the heartbeat age under which a user counts as connected.
	FreshWithin   = HeartbeatInterval + 5*time.Second
	ConnectionTTL = 45 * time.Second
	DeliveryTTL   = time.Hour
	WatermarkTTL  = 24 * time.Hour

	ConnectionPrefix = "chat:connection:"
	HeartbeatPrefix  = "chat:heartbeat:"
	DeliveryPrefix   = "chat:delivery:"
	IndexPrefix      = "chat:connection-index:"
	WatermarkPrefix  = "chat:last_delivered:"
)

func connectionKey(chatID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", ConnectionPrefix, chatID, userID)
}

func heartbeatKey(chatID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", HeartbeatPrefix, chatID, userID)
}

func deliveryKey(messageID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", DeliveryPrefix, messageID, userID)
}

func indexKey(chatID int64) string {
	return fmt.Sprintf("%s%d", IndexPrefix, chatID)
}

func watermarkKey(chatID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", WatermarkPrefix, chatID, userID)
}

// Messages is the slice of the message store the tracker reads.
type Messages interface {
	ChatIDOf(ctx context.Context, messageID int64) (int64, error)
	ListAfter(ctx context.Context, chatID, afterID int64) ([]domain.Message, error)
}

// Connection is the record kept while a user has a chat open.
type Connection struct {
	UserID      int64 `json:"user_id"`
	ChatID      int64 `json:"chat_id"`
	ConnectedAt int64 `json:"connected_at"`
	LastSeen    int64 `json:"last_seen"`
}

// MissedMessage is the resync view of a message.
type MissedMessage struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	UserName  *string `json:"user_name"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at"`
}

type Tracker struct {
	store    cache.Store
	messages Messages
	log      *logger.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
}

func NewTracker(store cache.Store, messages Messages, log *logger.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:    store,
		messages: messages,
		log:      logger.OrNop(log),
		metrics:  m,
		clock:    time.Now,
	}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Register records that userID opened chatID and seeds its heartbeat.
func (t *Tracker) Register(ctx context.Context, chatID, userID int64) error {
	now := t.clock().Unix()
	conn := Connection{UserID: userID, ChatID: chatID, ConnectedAt: now, LastSeen: now}
	if err := t.store.Put(ctx, connectionKey(chatID, userID), conn, ConnectionTTL); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	t.rememberIndex(ctx, chatID, userID)
	if err := t.store.Put(ctx, heartbeatKey(chatID, userID), now, ConnectionTTL); err != nil {
		return fmt.Errorf("seed heartbeat: %w", err)
	}

	t.log.Debugw("connection registered", "chat_id", chatID, "user_id", userID)
	return nil
}

// Heartbeat refreshes the connection. An expired connection is registered
// again instead of being reported.
func (t *Tracker) Heartbeat(ctx context.Context, chatID, userID int64) error {
	now := t.clock().Unix()
	if err := t.store.Put(ctx, heartbeatKey(chatID, userID), now, ConnectionTTL); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	t.rememberIndex(ctx, chatID, userID)

	var conn Connection
	found, err := t.store.Get(ctx, connectionKey(chatID, userID), &conn)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}
	if !found {
		t.metrics.ConnectionHealed()
		t.log.Debugw("connection expired, registering again", "chat_id", chatID, "user_id", userID)
		return t.Register(ctx, chatID, userID)
	}

	conn.LastSeen = now
	if err := t.store.Put(ctx, connectionKey(chatID, userID), conn, ConnectionTTL); err != nil {
		return fmt.Errorf("refresh connection: %w", err)
	}
	return nil
}

// IsConnected reports whether a heartbeat arrived within FreshWithin.
func (t *Tracker) IsConnected(ctx context.Context, chatID, userID int64) (bool, error) {
	var last int64
	found, err := t.store.Get(ctx, heartbeatKey(chatID, userID), &last)
	if err != nil {
		return false, fmt.Errorf("read heartbeat: %w", err)
	}
	if !found || last == 0 {
		return false, nil
	}
	age := t.clock().Unix() - last
	return age < int64(FreshWithin/time.Second), nil
}

// ActiveConnections lists the indexed users of chatID that are connected.
func (t *Tracker) ActiveConnections(ctx context.Context, chatID int64) ([]Connection, error) {
	ids, err := t.index(ctx, chatID)
	if err != nil {
		return nil, err
	}

	active := make([]Connection, 0, len(ids))
	for _, userID := range ids {
		var conn Connection
		found, err := t.store.Get(ctx, connectionKey(chatID, userID), &conn)
		if err != nil {
			t.log.Warnw("connection read failed", "chat_id", chatID, "user_id", userID, "error", err)
			continue
		}
		if !found {
			continue
		}
		ok, err := t.IsConnected(ctx, chatID, userID)
		if err != nil {
			t.log.Warnw("heartbeat read failed", "chat_id", chatID, "user_id", userID, "error", err)
			continue
		}
		if ok {
			active = append(active, conn)
		}
	}
	return active, nil
}

// Disconnect removes every record of the connection. Crashed clients that
// never call it are cleaned up by expiry.
func (t *Tracker) Disconnect(ctx context.Context, chatID, userID int64) error {
	if _, err := t.store.Forget(ctx, connectionKey(chatID, userID)); err != nil {
		return fmt.Errorf("forget connection: %w", err)
	}
	if _, err := t.store.Forget(ctx, heartbeatKey(chatID, userID)); err != nil {
		return fmt.Errorf("forget heartbeat: %w", err)
	}
	t.forgetIndex(ctx, chatID, userID)

	t.log.Debugw("connection disconnected", "chat_id", chatID, "user_id", userID)
	return nil
}

// MarkMessageDelivered records the delivery of messageID to userID and moves
// the user's delivery watermark in the message's chat forward.
func (t *Tracker) MarkMessageDelivered(ctx context.Context, messageID, userID int64) error {
	if err := t.store.Put(ctx, deliveryKey(messageID, userID), t.clock().Unix(), DeliveryTTL); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}

	chatID, err := t.messages.ChatIDOf(ctx, messageID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve chat of message %d: %w", messageID, err)
	}
	return t.AdvanceWatermark(ctx, chatID, userID, messageID)
}

// MarkDeliveredInChat is MarkMessageDelivered for a client acknowledging
// from within chatID. A message of another chat is not found.
func (t *Tracker) MarkDeliveredInChat(ctx context.Context, chatID, messageID, userID int64) error {
	owner, err := t.messages.ChatIDOf(ctx, messageID)
	if err != nil {
		return err
	}
	if owner != chatID {
		return relay_errors.ErrNotFound
	}
	if err := t.store.Put(ctx, deliveryKey(messageID, userID), t.clock().Unix(), DeliveryTTL); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return t.AdvanceWatermark(ctx, chatID, userID, messageID)
}

func (t *Tracker) WasMessageDelivered(ctx context.Context, messageID, userID int64) (bool, error) {
	return cache.Has(ctx, t.store, deliveryKey(messageID, userID))
}

// LastDeliveredMessageID is the delivery watermark, 0 when none is known.
func (t *Tracker) LastDeliveredMessageID(ctx context.Context, chatID, userID int64) (int64, error) {
	var id int64
	if _, err := t.store.Get(ctx, watermarkKey(chatID, userID), &id); err != nil {
		return 0, fmt.Errorf("read delivery watermark: %w", err)
	}
	return id, nil
}

// AdvanceWatermark stores messageID as the watermark only when it is
// higher than the current one.
func (t *Tracker) AdvanceWatermark(ctx context.Context, chatID, userID, messageID int64) error {
	current, err := t.LastDeliveredMessageID(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if messageID <= current {
		return nil
	}
	if err := t.store.Put(ctx, watermarkKey(chatID, userID), messageID, WatermarkTTL); err != nil {
		return fmt.Errorf("write delivery watermark: %w", err)
	}
	return nil
}

// MissedMessages returns every message of chatID above the user's delivery
// watermark, oldest first.
func (t *Tracker) MissedMessages(ctx context.Context, chatID, userID int64) ([]MissedMessage, error) {
	after, err := t.LastDeliveredMessageID(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := t.messages.ListAfter(ctx, chatID, after)
	if err != nil {
		return nil, fmt.Errorf("list missed messages: %w", err)
	}

	msgs = lo.UniqBy(msgs, func(m domain.Message) int64 { return m.ID })
	return lo.Map(msgs, func(m domain.Message, _ int) MissedMessage {
		out := MissedMessage{
			ID:        m.ID,
			UserID:    m.UserID,
			Content:   m.Content,
			CreatedAt: domain.FormatTime(m.CreatedAt),
		}
		if m.Author != nil {
			out.UserName = lo.ToPtr(m.Author.Name)
		}
		return out
	}), nil
}

func (t *Tracker) index(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	if _, err := t.store.Get(ctx, indexKey(chatID), &ids); err != nil {
		return nil, fmt.Errorf("read connection index: %w", err)
	}
	return ids, nil
}

func (t *Tracker) rememberIndex(ctx context.Context, chatID, userID int64) {
	ids, err := t.index(ctx, chatID)
	if err != nil {
		t.log.Warnw("connection index read failed", "chat_id", chatID, "error", err)
		return
	}
	if !lo.Contains(ids, userID) {
		ids = append(ids, userID)
	}
	if err := t.store.Put(ctx, indexKey(chatID), ids, ConnectionTTL); err != nil {
		t.log.Warnw("connection index write failed", "chat_id", chatID, "error", err)
	}
}

func (t *Tracker) forgetIndex(ctx context.Context, chatID, userID int64) {
	ids, err := t.index(ctx, chatID)
	if err != nil || len(ids) == 0 {
		return
	}
	if err := t.store.Put(ctx, indexKey(chatID), lo.Without(ids, userID), ConnectionTTL); err != nil {
		t.log.Warnw("connection index write failed", "chat_id", chatID, "error", err)
	}
}
