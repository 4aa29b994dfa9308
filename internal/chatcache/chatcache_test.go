package chatcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/domain"
	relayredis "relay-chat/internal/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countStub struct {
	calls   atomic.Int32
	value   int64
	err     error
	entered chan struct{}
	release chan struct{}
}

func (c *countStub) CountUnreadForUser(_ context.Context, _ int64) (int64, error) {
	c.calls.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	return c.value, c.err
}

var errDown = errors.New("cache down")

type brokenStore struct{}

func (brokenStore) Get(context.Context, string, any) (bool, error)        { return false, errDown }
func (brokenStore) Put(context.Context, string, any, time.Duration) error { return errDown }
func (brokenStore) Forget(context.Context, string) (bool, error)          { return false, errDown }
func (brokenStore) Scan(context.Context, string) ([]string, error)        { return nil, errDown }

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *relayredis.CacheStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, relayredis.NewCacheStore(client, "", nil)
}

func samplePage(ids ...int64) Page {
	page := Page{}
	for _, id := range ids {
		page.Messages = append(page.Messages, domain.Message{ID: id, Content: "m"})
	}
	return page
}

func TestUnreadRecomputesOnMissAndCaches(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	counter := &countStub{value: 4}
	c := New(store, counter, nil, nil)

	n, err := c.Unread(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	counter.value = 9
	n, err = c.Unread(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, int32(1), counter.calls.Load())
	assert.Equal(t, UnreadTTL, store.TTL(UnreadKey(7)))

	c.ForgetUnread(ctx, 7)
	n, err = c.Unread(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	c.PutUnread(ctx, 7, 0)
	n, err = c.Unread(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnreadSharesConcurrentRecompute(t *testing.T) {
	ctx := context.Background()
	counter := &countStub{value: 3, entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := New(cache.NewMemory(), counter, nil, nil)

	var wg sync.WaitGroup
	results := make([]int64, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Unread(ctx, 1)
	}()
	<-counter.entered

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Unread(ctx, 1)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(counter.release)
	wg.Wait()

	assert.Equal(t, int32(1), counter.calls.Load())
	for _, r := range results {
		assert.Equal(t, int64(3), r)
	}
}

func TestUnreadSurvivesBrokenCache(t *testing.T) {
	counter := &countStub{value: 2}
	c := New(brokenStore{}, counter, nil, nil)

	n, err := c.Unread(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUnreadReportsStoreFailure(t *testing.T) {
	counter := &countStub{err: errors.New("db down")}
	c := New(cache.NewMemory(), counter, nil, nil)

	_, err := c.Unread(context.Background(), 1)
	assert.Error(t, err)
}

func TestMessagesFlushThroughKeyIndex(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	c := New(store, &countStub{}, nil, nil)

	c.PutMessages(ctx, 3, 0, 25, samplePage(10, 11))
	c.PutMessages(ctx, 3, 10, 25, samplePage(9))
	c.PutMessages(ctx, 4, 0, 25, samplePage(20))

	page, ok := c.Messages(ctx, 3, 0, 25)
	require.True(t, ok)
	assert.Len(t, page.Messages, 2)

	var index []string
	found, err := store.Get(ctx, messagesIndexKey(3), &index)
	require.NoError(t, err)
	require.True(t, found)
	assert.ElementsMatch(t, []string{MessagesKey(3, 0, 25), MessagesKey(3, 10, 25)}, index)

	c.FlushMessages(ctx, 3)

	_, ok = c.Messages(ctx, 3, 0, 25)
	assert.False(t, ok)
	_, ok = c.Messages(ctx, 3, 10, 25)
	assert.False(t, ok)
	_, ok = c.Messages(ctx, 4, 0, 25)
	assert.True(t, ok)
	gone, err := cache.Has(ctx, store, messagesIndexKey(3))
	require.NoError(t, err)
	assert.False(t, gone)
}

func TestMessagesFlushThroughTags(t *testing.T) {
	ctx := context.Background()
	mr, store := newRedisStore(t)
	c := New(store, &countStub{}, nil, nil)

	c.PutMessages(ctx, 3, 0, 25, samplePage(10))
	c.PutMessages(ctx, 3, 10, 25, samplePage(9))
	c.PutMessages(ctx, 4, 0, 25, samplePage(20))
	assert.False(t, mr.Exists(messagesIndexKey(3)))
	assert.True(t, mr.Exists("tag:chat:3"))

	page, ok := c.Messages(ctx, 3, 10, 25)
	require.True(t, ok)
	assert.Equal(t, int64(9), page.Messages[0].ID)

	c.FlushMessages(ctx, 3)

	assert.False(t, mr.Exists(MessagesKey(3, 0, 25)))
	assert.False(t, mr.Exists(MessagesKey(3, 10, 25)))
	assert.False(t, mr.Exists("tag:chat:3"))
	assert.True(t, mr.Exists(MessagesKey(4, 0, 25)))
}

func TestMessagesExpire(t *testing.T) {
	ctx := context.Background()
	clock := cache.NewClock(time.Unix(1_700_000_000, 0))
	store := cache.NewMemory()
	store.Now = clock.Now
	c := New(store, &countStub{}, nil, nil)

	c.PutMessages(ctx, 1, 0, 25, samplePage(1))
	clock.Advance(MessagesTTL)
	_, ok := c.Messages(ctx, 1, 0, 25)
	assert.False(t, ok)
}

func TestChatList(t *testing.T) {
	ctx := context.Background()
	c := New(cache.NewMemory(), &countStub{}, nil, nil)

	_, ok := c.ChatList(ctx, 1)
	assert.False(t, ok)

	c.PutChatList(ctx, 1, []domain.ChatSummary{{ID: 5, Name: "general", UnreadCount: 2, IsUnread: true}})
	list, ok := c.ChatList(ctx, 1)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, int64(5), list[0].ID)

	c.FlushChatList(ctx, 1)
	_, ok = c.ChatList(ctx, 1)
	assert.False(t, ok)
}

func TestBrokenCacheReadsAsMiss(t *testing.T) {
	ctx := context.Background()
	c := New(brokenStore{}, &countStub{}, nil, nil)

	c.PutMessages(ctx, 1, 0, 25, samplePage(1))
	_, ok := c.Messages(ctx, 1, 0, 25)
	assert.False(t, ok)
	_, ok = c.ChatList(ctx, 1)
	assert.False(t, ok)
	c.FlushMessages(ctx, 1)
	c.FlushChatList(ctx, 1)
}

func TestChatIsUnread(t *testing.T) {
	assert.False(t, ChatIsUnread(10, nil))
	assert.True(t, ChatIsUnread(10, &domain.Participant{LastReadMessageID: 9}))
	assert.False(t, ChatIsUnread(10, &domain.Participant{LastReadMessageID: 10}))
	assert.False(t, ChatIsUnread(0, &domain.Participant{}))
}
