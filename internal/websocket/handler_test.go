package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-chat/internal/domain"
	"relay-chat/internal/events"
	"relay-chat/internal/proxy"
	"relay-chat/internal/repository/repotest"
	relay_errors "relay-chat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokens map[string]int64

func (s stubTokens) ParseAccessToken(token string) (int64, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return 0, relay_errors.ErrUnauthorized
}

type recordedCall struct {
	op        string
	chatID    int64
	userID    int64
	messageID int64
}

type recordingConnections struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *recordingConnections) record(op string, chatID, userID int64) error {
	return r.recordMessage(op, chatID, userID, 0)
}

func (r *recordingConnections) recordMessage(op string, chatID, userID, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{op, chatID, userID, messageID})
	return nil
}

func (r *recordingConnections) Register(_ context.Context, chatID, userID int64) error {
	return r.record("register", chatID, userID)
}

func (r *recordingConnections) Heartbeat(_ context.Context, chatID, userID int64) error {
	return r.record("heartbeat", chatID, userID)
}

func (r *recordingConnections) Disconnect(_ context.Context, chatID, userID int64) error {
	return r.record("disconnect", chatID, userID)
}

func (r *recordingConnections) MarkDeliveredInChat(_ context.Context, chatID, messageID, userID int64) error {
	return r.recordMessage("delivered", chatID, userID, messageID)
}

func (r *recordingConnections) ops() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

func newSocketServer(t *testing.T) (*httptest.Server, *Hub, *recordingConnections, domain.Chat) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repotest.New()
	repo.AddUser(domain.User{ID: 1, Name: "Alice"})
	repo.AddUser(domain.User{ID: 2, Name: "Bob"})
	chat := repo.AddChat(domain.ChatTypeDM, "", 1, 2)

	hub := startHub(t)
	conns := &recordingConnections{}
	h := NewHandler(stubTokens{"alice": 1}, hub, NewChannelAuthorizer(proxy.NewAccessControl(repo.Chats())), conns, nil)

	r := gin.New()
	r.GET("/ws", h.Connect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub, conns, chat
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestConnectRejectsBadToken(t *testing.T) {
	srv, _, _, _ := newSocketServer(t)
	_, resp, err := dial(t, srv, "nope")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectSubscribeLifecycle(t *testing.T) {
	srv, hub, conns, chat := newSocketServer(t)
	conn, _, err := dial(t, srv, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount(events.OnlineUsersChannel) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.SubscriberCount(events.UserChannel(1)))

	channel := events.ChatChannel(chat.ID)
	require.NoError(t, conn.WriteJSON(Inbound{Action: "subscribe", Channel: channel}))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, Reply{EventType: "subscribed", Channel: channel}, reply)

	require.NoError(t, conn.WriteJSON(Inbound{Action: "subscribe", Channel: events.UserChannel(2)}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "subscription_error", reply.EventType)

	require.NoError(t, conn.WriteJSON(Inbound{Action: "heartbeat", ChatID: chat.ID}))
	require.NoError(t, conn.WriteJSON(Inbound{Action: "delivered", ChatID: chat.ID, MessageID: 77}))

	require.Eventually(t, func() bool { return len(conns.ops()) == 3 }, time.Second, 10*time.Millisecond)
	hub.Broadcast(channel, []byte(`{"event_type":"message.created"}`), 0)
	var pushed map[string]any
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "message.created", pushed["event_type"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []recordedCall{
		{"register", chat.ID, 1, 0},
		{"heartbeat", chat.ID, 1, 0},
		{"delivered", chat.ID, 1, 77},
		{"disconnect", chat.ID, 1, 0},
	}, conns.ops())
}

func TestHeartbeatRequiresSubscription(t *testing.T) {
	srv, _, conns, chat := newSocketServer(t)
	conn, _, err := dial(t, srv, "alice")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Inbound{Action: "heartbeat", ChatID: chat.ID}))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.EventType)
	assert.Empty(t, conns.ops())
}

func TestDeliveredRequiresSubscription(t *testing.T) {
	srv, _, conns, chat := newSocketServer(t)
	conn, _, err := dial(t, srv, "alice")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Inbound{Action: "delivered", ChatID: chat.ID + 1, MessageID: 5}))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.EventType)
	assert.Empty(t, conns.ops())
}

func TestDisconnectWaitsForLastSocketOfUser(t *testing.T) {
	srv, hub, conns, chat := newSocketServer(t)
	channel := events.ChatChannel(chat.ID)

	subscribe := func() *websocket.Conn {
		conn, _, err := dial(t, srv, "alice")
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(Inbound{Action: "subscribe", Channel: channel}))
		var reply Reply
		require.NoError(t, conn.ReadJSON(&reply))
		require.Equal(t, "subscribed", reply.EventType)
		return conn
	}
	first := subscribe()
	second := subscribe()
	defer second.Close()
	require.Equal(t, 2, hub.SubscriberCount(channel))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, hub.UserSubscribed(channel, 1))

	require.NoError(t, second.WriteJSON(Inbound{Action: "unsubscribe", Channel: channel}))
	var reply Reply
	require.NoError(t, second.ReadJSON(&reply))
	assert.Equal(t, Reply{EventType: "unsubscribed", Channel: channel}, reply)

	assert.Equal(t, []recordedCall{
		{"register", chat.ID, 1, 0},
		{"register", chat.ID, 1, 0},
		{"disconnect", chat.ID, 1, 0},
	}, conns.ops())
}
