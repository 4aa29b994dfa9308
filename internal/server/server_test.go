package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay-chat/config"
	"relay-chat/internal/cache"
	"relay-chat/internal/chatcache"
	"relay-chat/internal/connection"
	"relay-chat/internal/domain"
	"relay-chat/internal/events"
	"relay-chat/internal/events/eventstest"
	"relay-chat/internal/handler"
	"relay-chat/internal/metrics"
	"relay-chat/internal/presence"
	"relay-chat/internal/proxy"
	"relay-chat/internal/redis"
	"relay-chat/internal/repository/repotest"
	"relay-chat/internal/services"
	"relay-chat/internal/storage"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type apiFixture struct {
	t        *testing.T
	repo     *repotest.Store
	recorder *eventstest.Recorder
	auth     *services.AuthService
	server   *Server

	alice, bob, carol domain.User
	chat              domain.Chat
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &apiFixture{
		t:        t,
		repo:     repotest.New(),
		recorder: &eventstest.Recorder{},
		auth:     services.NewAuthService("test-secret", time.Hour),
	}
	f.alice = f.repo.AddUser(domain.User{Name: "Alice Jones"})
	f.bob = f.repo.AddUser(domain.User{Name: "Bob Smith"})
	f.carol = f.repo.AddUser(domain.User{Name: "Carol White"})
	f.chat = f.repo.AddChat(domain.ChatTypeDM, "", f.alice.ID, f.bob.ID)

	m := metrics.New()
	store := cache.NewMemory()
	access := proxy.NewAccessControl(f.repo.Chats())
	chatCache := chatcache.New(store, f.repo.Messages(), nil, m)
	media := services.NewMediaService(f.repo.Attachments(), storage.NewMemory(), nil)
	engine := services.NewChatEngine(f.repo, media, chatCache, f.recorder, nil, m)
	tracker := presence.NewTracker(store, f.repo.Users(), f.recorder, nil, m)
	chats := services.NewChatService(f.repo, access, chatCache, media, nil).WithPresence(tracker)
	connections := connection.NewTracker(store, f.repo.Messages(), nil, m)

	limits := redis.DefaultRateLimitConfig()
	limits.Send.Limit = 3

	f.server = New(&config.Config{AppMode: TestMode, MetricsEnabled: true, PresenceTrackThrottle: time.Minute}, nil)
	f.server.SetupRoutes(&Handlers{
		Chat:     handler.NewChatHandler(engine, chats, connections, access),
		Presence: handler.NewPresenceHandler(tracker),
	}, Dependencies{
		Tokens:     f.auth,
		Limiter:    redis.NewRateLimiter(rdb, limits),
		RateLimits: limits,
		Presence:   tracker,
		Throttle:   store,
		Metrics:    m,
	})
	return f
}

func (f *apiFixture) do(user domain.User, method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	f.authorize(req, user)
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func (f *apiFixture) authorize(req *http.Request, user domain.User) {
	if user.ID == 0 {
		return
	}
	token, err := f.auth.IssueAccessToken(user.ID)
	require.NoError(f.t, err)
	req.Header.Set("Authorization", "Bearer "+token)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func (f *apiFixture) chatPath(suffix string) string {
	return fmt.Sprintf("/api/v1/chats/%d%s", f.chat.ID, suffix)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t)
	w := f.do(domain.User{}, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(domain.User{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutesRequireToken(t *testing.T) {
	f := newAPI(t)
	w := f.do(domain.User{}, http.MethodGet, "/api/v1/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, w, nil).Code)
}

func TestSendAndReadFlow(t *testing.T) {
	f := newAPI(t)

	w := f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": "hello bob", "temp_id": "tmp-9"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sent struct {
		Message domain.MessageView `json:"message"`
		TempID  string             `json:"temp_id"`
	}
	decode(t, w, &sent)
	assert.Equal(t, "hello bob", sent.Message.Content)
	assert.Equal(t, "tmp-9", sent.TempID)
	assert.NotEmpty(t, f.recorder.OfType(events.TypeMessageCreated))

	var unread struct {
		UnreadCount int64 `json:"unread_count"`
	}
	decode(t, f.do(f.bob, http.MethodGet, "/api/v1/chats/unread", nil), &unread)
	assert.Equal(t, int64(1), unread.UnreadCount)
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath("/unread"), nil), &unread)
	assert.Equal(t, int64(1), unread.UnreadCount)

	var list []domain.ChatSummary
	decode(t, f.do(f.bob, http.MethodGet, "/api/v1/chats", nil), &list)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsUnread)

	w = f.do(f.bob, http.MethodPost, f.chatPath("/read"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, f.do(f.bob, http.MethodGet, "/api/v1/chats/unread", nil), &unread)
	assert.Equal(t, int64(0), unread.UnreadCount)
}

func TestSendErrors(t *testing.T) {
	f := newAPI(t)

	w := f.do(f.carol, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	env := decode(t, w, nil)
	assert.Equal(t, "INVALID_REQUEST", env.Code)
	assert.Equal(t, "Message cannot be empty.", env.Error)

	w = f.do(f.alice, http.MethodPost, "/api/v1/chats/abc/messages", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendRateLimited(t *testing.T) {
	f := newAPI(t)
	for i := 0; i < 3; i++ {
		w := f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": "one more"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 3, f.repo.MessageCount(f.chat.ID))
}

func TestSendMultipartAndMedia(t *testing.T) {
	f := newAPI(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("content", "see attached"))
	require.NoError(t, mw.WriteField("metadata", `{"client":"web"}`))
	part, err := mw.CreateFormFile("files[]", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(append(append([]byte{}, pngHeader...), make([]byte, 64)...))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, f.chatPath("/messages"), &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	f.authorize(req, f.alice)
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sent struct {
		Message domain.MessageView `json:"message"`
	}
	decode(t, w, &sent)
	require.Len(t, sent.Message.Attachments, 1)
	assert.Equal(t, "web", sent.Message.Metadata["client"])
	assert.True(t, sent.Message.Attachments[0].IsImage)

	mediaPath := sent.Message.Attachments[0].URL
	require.NotEmpty(t, mediaPath)
	w = f.do(f.bob, http.MethodGet, mediaPath, nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "/media/"))

	w = f.do(f.carol, http.MethodGet, mediaPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagesPaging(t *testing.T) {
	f := newAPI(t)
	for i := 0; i < 3; i++ {
		w := f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusOK, w.Code)
	}

	var page struct {
		Messages []domain.MessageView `json:"messages"`
		HasMore  bool                 `json:"has_more"`
	}
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath("/messages?limit=2"), nil), &page)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)

	before := page.Messages[0].ID
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath(fmt.Sprintf("/messages?limit=2&before=%d", before)), nil), &page)
	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	w := f.do(f.bob, http.MethodGet, f.chatPath("/messages?before=x"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestConnectionEndpoints(t *testing.T) {
	f := newAPI(t)

	assert.Equal(t, http.StatusOK, f.do(f.bob, http.MethodPost, f.chatPath("/connect"), nil).Code)
	assert.Equal(t, http.StatusOK, f.do(f.bob, http.MethodPost, f.chatPath("/heartbeat"), nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(f.carol, http.MethodPost, f.chatPath("/connect"), nil).Code)

	w := f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": "ping"})
	require.Equal(t, http.StatusOK, w.Code)
	var sent struct {
		Message domain.MessageView `json:"message"`
	}
	decode(t, w, &sent)

	var missed []connection.MissedMessage
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath("/missed"), nil), &missed)
	require.Len(t, missed, 1)

	w = f.do(f.bob, http.MethodPost, f.chatPath("/delivered"), map[string]any{"message_id": sent.Message.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath("/missed"), nil), &missed)
	assert.Empty(t, missed)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(f.bob, http.MethodPost, f.chatPath("/delivered"), map[string]any{}).Code)
	assert.Equal(t, http.StatusOK, f.do(f.bob, http.MethodPost, f.chatPath("/disconnect"), nil).Code)
}

func TestDeliveredRejectsMessageOfAnotherChat(t *testing.T) {
	f := newAPI(t)
	other := f.repo.AddChat(domain.ChatTypeDM, "", f.bob.ID, f.carol.ID)
	foreign := domain.Message{ChatID: other.ID, UserID: f.carol.ID, Content: "elsewhere"}
	require.NoError(t, f.repo.Messages().Create(context.Background(), &foreign))

	w := f.do(f.bob, http.MethodPost, f.chatPath("/delivered"), map[string]any{"message_id": foreign.ID})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	var missed []connection.MissedMessage
	otherMissed := fmt.Sprintf("/api/v1/chats/%d/missed", other.ID)
	decode(t, f.do(f.bob, http.MethodGet, otherMissed, nil), &missed)
	require.Len(t, missed, 1)
	assert.Equal(t, foreign.ID, missed[0].ID)
}

func TestShowAndAroundRoutes(t *testing.T) {
	f := newAPI(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		w := f.do(f.alice, http.MethodPost, f.chatPath("/messages"), map[string]any{"content": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusOK, w.Code)
		var sent struct {
			Message domain.MessageView `json:"message"`
		}
		decode(t, w, &sent)
		ids = append(ids, sent.Message.ID)
	}

	require.Equal(t, http.StatusOK, f.do(f.bob, http.MethodGet, "/api/v1/chats", nil).Code)

	var detail services.ChatDetail
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath(""), nil), &detail)
	require.Len(t, detail.Participants, 2)
	for _, p := range detail.Participants {
		assert.Equal(t, domain.PresenceOnline, p.PresenceStatus, "participant %d", p.UserID)
	}
	require.NotNil(t, detail.LastMessage)
	assert.Equal(t, "m2", detail.LastMessage.Content)
	assert.Equal(t, http.StatusNotFound, f.do(f.carol, http.MethodGet, f.chatPath(""), nil).Code)

	var around struct {
		Messages      []domain.MessageView `json:"messages"`
		TargetID      int64                `json:"target_id"`
		HasMoreBefore bool                 `json:"has_more_before"`
	}
	decode(t, f.do(f.bob, http.MethodGet, f.chatPath(fmt.Sprintf("/messages/%d/around", ids[1])), nil), &around)
	assert.Equal(t, ids[1], around.TargetID)
	require.Len(t, around.Messages, 3)
	assert.Equal(t, ids[0], around.Messages[0].ID)
	assert.False(t, around.HasMoreBefore)

	assert.Equal(t, http.StatusNotFound, f.do(f.bob, http.MethodGet, f.chatPath("/messages/999/around"), nil).Code)
}

func TestTypingRoute(t *testing.T) {
	f := newAPI(t)
	w := f.do(f.bob, http.MethodPost, f.chatPath("/typing"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	typed := f.recorder.OfType(events.TypeUserTyping)
	require.Len(t, typed, 1)
	assert.Equal(t, f.bob.ID, typed[0].(events.UserTyping).UserID)

	assert.Equal(t, http.StatusNotFound, f.do(f.carol, http.MethodPost, f.chatPath("/typing"), nil).Code)
}

func TestChatMediaRoutes(t *testing.T) {
	f := newAPI(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(append(append([]byte{}, pngHeader...), make([]byte, 64)...))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, f.chatPath("/messages"), &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	f.authorize(req, f.bob)
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page services.MediaPage
	decode(t, f.do(f.alice, http.MethodGet, f.chatPath("/media?filter=images"), nil), &page)
	require.Len(t, page.Items, 1)
	item := page.Items[0]
	assert.Equal(t, http.StatusFound, f.do(f.alice, http.MethodGet, item.URL, nil).Code)

	decode(t, f.do(f.alice, http.MethodGet, f.chatPath("/media?filter=documents"), nil), &page)
	assert.Empty(t, page.Items)

	deletePath := f.chatPath(fmt.Sprintf("/media/%d", item.ID))
	assert.Equal(t, http.StatusNotFound, f.do(f.carol, http.MethodDelete, deletePath, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(f.bob, http.MethodDelete, deletePath, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(f.alice, http.MethodGet, item.URL, nil).Code)

	var stats services.StorageStats
	decode(t, f.do(f.alice, http.MethodGet, f.chatPath("/storage"), nil), &stats)
	assert.Zero(t, stats.FileCount)
}

func TestStorageStats(t *testing.T) {
	f := newAPI(t)
	w := f.do(f.alice, http.MethodGet, f.chatPath("/storage"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusNotFound, f.do(f.carol, http.MethodGet, f.chatPath("/storage"), nil).Code)
}

func TestPresenceEndpoints(t *testing.T) {
	f := newAPI(t)

	var beat struct {
		Status   string `json:"status"`
		Presence string `json:"presence"`
	}
	decode(t, f.do(f.alice, http.MethodPost, "/api/v1/presence/heartbeat", nil), &beat)
	assert.Equal(t, "online", beat.Presence)

	var updated struct {
		Presence   string `json:"presence"`
		Preference string `json:"preference"`
	}
	decode(t, f.do(f.alice, http.MethodPut, "/api/v1/presence/status", map[string]any{"status": "busy"}), &updated)
	assert.Equal(t, "busy", updated.Presence)
	assert.Equal(t, "busy", updated.Preference)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(f.alice, http.MethodPut, "/api/v1/presence/status", map[string]any{}).Code)

	var me presence.Snapshot
	decode(t, f.do(f.alice, http.MethodGet, "/api/v1/presence/me", nil), &me)
	assert.Equal(t, domain.PresenceBusy, me.Status)

	var users struct {
		Users []presence.Snapshot `json:"users"`
	}
	path := fmt.Sprintf("/api/v1/presence/users?ids=%d,%d", f.alice.ID, f.bob.ID)
	decode(t, f.do(f.bob, http.MethodGet, path, nil), &users)
	require.Len(t, users.Users, 2)
	assert.Equal(t, domain.PresenceBusy, users.Users[0].Status)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(f.bob, http.MethodGet, "/api/v1/presence/users?ids=x", nil).Code)

	assert.Equal(t, http.StatusOK, f.do(f.alice, http.MethodPost, "/api/v1/presence/offline", nil).Code)
	decode(t, f.do(f.alice, http.MethodGet, "/api/v1/presence/me", nil), &me)
	assert.Equal(t, domain.PresenceOffline, me.Status)
}

func TestRequestsCountAsPresence(t *testing.T) {
	f := newAPI(t)
	require.Equal(t, http.StatusOK, f.do(f.bob, http.MethodGet, "/api/v1/chats", nil).Code)

	changes := f.recorder.OfType(events.TypePresenceChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, f.bob.ID, changes[0].(events.PresenceChanged).UserID)

	require.Equal(t, http.StatusOK, f.do(f.bob, http.MethodGet, "/api/v1/chats", nil).Code)
	assert.Len(t, f.recorder.OfType(events.TypePresenceChanged), 1)
}
