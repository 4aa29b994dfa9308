// Package chatcache keeps short lived read views of chat data: unread
// counters, message pages and chat lists. Every view is recomputed on a
// miss, so a cache failure never changes a result.
package chatcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/domain"
	"relay-chat/internal/metrics"
	"relay-chat/pkg/logger"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const (
	UnreadTTL   = 300 * time.Second
	MessagesTTL = 60 * time.Second
	ChatListTTL = 60 * time.Second

	UnreadPrefix   = "user:unread_messages:"
	MessagesPrefix = "chat:messages:"
	ChatListPrefix = "chat:list:user:"
)

func UnreadKey(userID int64) string {
	return UnreadPrefix + strconv.FormatInt(userID, 10)
}

func MessagesKey(chatID, beforeID int64, limit int) string {
	return fmt.Sprintf("%s%d:%d:%d", MessagesPrefix, chatID, beforeID, limit)
}

func messagesIndexKey(chatID int64) string {
	return fmt.Sprintf("%s%d:index", MessagesPrefix, chatID)
}

func chatTag(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

func ChatListKey(userID int64) string {
	return ChatListPrefix + strconv.FormatInt(userID, 10)
}

// Counter recomputes a user's unread total from the store.
type Counter interface {
	CountUnreadForUser(ctx context.Context, userID int64) (int64, error)
}

// Page is one cached window of a chat's messages, newest first. It holds
// stored messages only; seen flags depend on the viewer and are computed
// after the lookup.
type Page struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type Cache struct {
	store   cache.Store
	counter Counter
	log     *logger.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

func New(store cache.Store, counter Counter, log *logger.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		store:   store,
		counter: counter,
		log:     logger.OrNop(log),
		metrics: m,
	}
}

// Unread returns the user's unread total, recomputing it on a miss.
// Concurrent misses for one user share a single count query.
func (c *Cache) Unread(ctx context.Context, userID int64) (int64, error) {
	key := UnreadKey(userID)
	var count int64
	hit, err := c.store.Get(ctx, key, &count)
	if err != nil {
		c.log.Warnw("unread cache read failed", "user_id", userID, "error", err)
	}
	c.metrics.CacheLookup("unread", hit)
	if hit {
		return count, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		n, err := c.counter.CountUnreadForUser(ctx, userID)
		if err != nil {
			return int64(0), fmt.Errorf("count unread for user %d: %w", userID, err)
		}
		c.PutUnread(ctx, userID, n)
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Cache) PutUnread(ctx context.Context, userID, count int64) {
	if err := c.store.Put(ctx, UnreadKey(userID), count, UnreadTTL); err != nil {
		c.log.Warnw("unread cache write failed", "user_id", userID, "error", err)
	}
}

func (c *Cache) ForgetUnread(ctx context.Context, userID int64) {
	if _, err := c.store.Forget(ctx, UnreadKey(userID)); err != nil {
		c.log.Warnw("unread cache forget failed", "user_id", userID, "error", err)
	}
}

// Messages looks up a cached page.
func (c *Cache) Messages(ctx context.Context, chatID, beforeID int64, limit int) (Page, bool) {
	var page Page
	hit, err := c.store.Get(ctx, MessagesKey(chatID, beforeID, limit), &page)
	if err != nil {
		c.log.Warnw("message page cache read failed", "chat_id", chatID, "error", err)
		hit = false
	}
	c.metrics.CacheLookup("messages", hit)
	return page, hit
}

// PutMessages stores a page tagged with its chat. Without tag support, or
// when tagging fails, the key is recorded in a per-chat index instead.
func (c *Cache) PutMessages(ctx context.Context, chatID, beforeID int64, limit int, page Page) {
	key := MessagesKey(chatID, beforeID, limit)
	if tagger, ok := c.store.(cache.Tagger); ok {
		err := tagger.PutTagged(ctx, []string{chatTag(chatID)}, key, page, MessagesTTL)
		if err == nil {
			return
		}
		c.log.Warnw("tagged page write failed, using key index", "chat_id", chatID, "error", err)
	}

	if err := c.store.Put(ctx, key, page, MessagesTTL); err != nil {
		c.log.Warnw("message page cache write failed", "chat_id", chatID, "error", err)
		return
	}
	c.rememberMessageKey(ctx, chatID, key)
}

// FlushMessages evicts every cached page of chatID.
func (c *Cache) FlushMessages(ctx context.Context, chatID int64) {
	if tagger, ok := c.store.(cache.Tagger); ok {
		if err := tagger.FlushTag(ctx, chatTag(chatID)); err != nil {
			c.log.Warnw("tag flush failed, using key index", "chat_id", chatID, "error", err)
		}
	}

	// Pages written while tagging failed live only in the index.
	indexKey := messagesIndexKey(chatID)
	var keys []string
	if _, err := c.store.Get(ctx, indexKey, &keys); err != nil {
		c.log.Warnw("message page index read failed", "chat_id", chatID, "error", err)
		return
	}
	for _, key := range keys {
		if _, err := c.store.Forget(ctx, key); err != nil {
			c.log.Warnw("message page forget failed", "key", key, "error", err)
		}
	}
	if _, err := c.store.Forget(ctx, indexKey); err != nil {
		c.log.Warnw("message page index forget failed", "chat_id", chatID, "error", err)
	}
}

func (c *Cache) rememberMessageKey(ctx context.Context, chatID int64, key string) {
	indexKey := messagesIndexKey(chatID)
	var keys []string
	if _, err := c.store.Get(ctx, indexKey, &keys); err != nil {
		c.log.Warnw("message page index read failed", "chat_id", chatID, "error", err)
		return
	}
	if !lo.Contains(keys, key) {
		keys = append(keys, key)
	}
	if err := c.store.Put(ctx, indexKey, keys, MessagesTTL); err != nil {
		c.log.Warnw("message page index write failed", "chat_id", chatID, "error", err)
	}
}

func (c *Cache) ChatList(ctx context.Context, userID int64) ([]domain.ChatSummary, bool) {
	var list []domain.ChatSummary
	hit, err := c.store.Get(ctx, ChatListKey(userID), &list)
	if err != nil {
		c.log.Warnw("chat list cache read failed", "user_id", userID, "error", err)
		hit = false
	}
	c.metrics.CacheLookup("chat_list", hit)
	return list, hit
}

func (c *Cache) PutChatList(ctx context.Context, userID int64, list []domain.ChatSummary) {
	if err := c.store.Put(ctx, ChatListKey(userID), list, ChatListTTL); err != nil {
		c.log.Warnw("chat list cache write failed", "user_id", userID, "error", err)
	}
}

func (c *Cache) FlushChatList(ctx context.Context, userID int64) {
	if _, err := c.store.Forget(ctx, ChatListKey(userID)); err != nil {
		c.log.Warnw("chat list cache forget failed", "user_id", userID, "error", err)
	}
}

// ChatIsUnread reports whether the chat's newest message is above the
// participant's read watermark. A nil participant is never unread.
func ChatIsUnread(lastMessageID int64, p *domain.Participant) bool {
	if p == nil {
		return false
	}
	return lastMessageID > p.LastReadMessageID
}
