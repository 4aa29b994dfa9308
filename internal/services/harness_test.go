package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/chatcache"
	"relay-chat/internal/domain"
	"relay-chat/internal/events/eventstest"
	"relay-chat/internal/proxy"
	"relay-chat/internal/repository/repotest"
	"relay-chat/internal/storage"
)

type enqueueRecorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (r *enqueueRecorder) EnqueueDelivery(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.deliveries = append(r.deliveries, d)
	return nil
}

type harness struct {
	repo     *repotest.Store
	recorder *eventstest.Recorder
	objects  *storage.Memory
	memory   *cache.Memory
	cache    *chatcache.Cache
	media    *MediaService
	engine   *ChatEngine
	chats    *ChatService
	queue    *enqueueRecorder

	alice, bob, carol, dave domain.User
	chat                    domain.Chat
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     repotest.New(),
		recorder: &eventstest.Recorder{},
		objects:  storage.NewMemory(),
		memory:   cache.NewMemory(),
		queue:    &enqueueRecorder{},
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick int
	h.repo.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	h.alice = h.repo.AddUser(domain.User{Name: "Alice Jones", AvatarURL: "https://cdn.example/alice.png"})
	h.bob = h.repo.AddUser(domain.User{Name: "Bob Smith"})
	h.carol = h.repo.AddUser(domain.User{Name: "Carol Bobson"})
	h.dave = h.repo.AddUser(domain.User{Name: "Dave"})
	h.chat = h.repo.AddChat(domain.ChatTypeGroup, "general", h.alice.ID, h.bob.ID, h.dave.ID)

	h.cache = chatcache.New(h.memory, h.repo.Messages(), nil, nil)
	h.media = NewMediaService(h.repo.Attachments(), h.objects, nil)
	h.engine = NewChatEngine(h.repo, h.media, h.cache, h.recorder, nil, nil).WithEnqueuer(h.queue)
	h.chats = NewChatService(h.repo, proxy.NewAccessControl(h.repo.Chats()), h.cache, h.media, nil)
	return h
}

func (h *harness) send(t *testing.T, from domain.User, content string) domain.Message {
	t.Helper()
	msg, err := h.engine.Send(context.Background(), SendInput{ChatID: h.chat.ID, UserID: from.ID, Content: content})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return msg
}
