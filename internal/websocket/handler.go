package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"relay-chat/internal/events"
	"relay-chat/internal/transport/httpdto"
	"relay-chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const maxInboundSize = 4096

// TokenParser resolves a bearer token to a user id.
type TokenParser interface {
	ParseAccessToken(token string) (int64, error)
}

// Connections records which chats a socket is attached to.
type Connections interface {
	Register(ctx context.Context, chatID, userID int64) error
	Heartbeat(ctx context.Context, chatID, userID int64) error
	Disconnect(ctx context.Context, chatID, userID int64) error
	MarkDeliveredInChat(ctx context.Context, chatID, messageID, userID int64) error
}

// Inbound is a client frame.
type Inbound struct {
	Action    string `json:"action"`
	Channel   string `json:"channel,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
}

// Reply acknowledges an inbound frame.
type Reply struct {
	EventType string `json:"event_type"`
	Channel   string `json:"channel,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Handler struct {
	auth        TokenParser
	hub         *Hub
	authorizer  *ChannelAuthorizer
	connections Connections
	upgrader    websocket.Upgrader
	log         *logger.Logger
}

func NewHandler(auth TokenParser, hub *Hub, authorizer *ChannelAuthorizer, connections Connections, log *logger.Logger) *Handler {
	return &Handler{
		auth:        auth,
		hub:         hub,
		authorizer:  authorizer,
		connections: connections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.OrNop(log),
	}
}

// Connect upgrades an authenticated request and serves the socket until it
// closes. The socket starts subscribed to the user's own channels.
func (h *Handler) Connect(c *gin.Context) {
	userID, err := h.auth.ParseAccessToken(extractToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", httpdto.CodeUnauthorized))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := NewClient(conn, userID)
	ctx, cancel := context.WithCancel(logger.WithUserID(context.Background(), userID))
	defer cancel()

	h.hub.Register(client)
	for _, ch := range []string{events.UserChannel(userID), events.PresenceChannel(userID), events.OnlineUsersChannel} {
		h.hub.Subscribe(client, ch)
	}
	go client.WriteLoop(ctx)
	h.log.WithContext(ctx).Infow("websocket connected", "client_id", client.ID)

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.reply(client, Reply{EventType: "error", Error: "invalid frame"})
			continue
		}
		h.handle(ctx, client, in)
	}

	channels := client.Channels()
	h.hub.Unregister(client)
	h.detach(ctx, client.UserID, channels)
	h.log.WithContext(ctx).Infow("websocket disconnected", "client_id", client.ID)
}

func (h *Handler) handle(ctx context.Context, client *Client, in Inbound) {
	switch in.Action {
	case "subscribe":
		allowed, err := h.authorizer.CanSubscribe(ctx, client.UserID, in.Channel)
		if err != nil || !allowed {
			h.reply(client, Reply{EventType: "subscription_error", Channel: in.Channel, Error: "forbidden"})
			return
		}
		h.hub.Subscribe(client, in.Channel)
		if chatID, ok := ChatIDOf(in.Channel); ok {
			if err := h.connections.Register(ctx, chatID, client.UserID); err != nil {
				h.log.WithContext(ctx).Warnw("connection register failed", "chat_id", chatID, "error", err)
			}
		}
		h.reply(client, Reply{EventType: "subscribed", Channel: in.Channel})

	case "unsubscribe":
		if !client.IsSubscribed(in.Channel) {
			return
		}
		h.hub.Unsubscribe(client, in.Channel)
		h.detach(ctx, client.UserID, []string{in.Channel})
		h.reply(client, Reply{EventType: "unsubscribed", Channel: in.Channel})

	case "heartbeat":
		channel := chatChannelPrefix + formatID(in.ChatID)
		if !client.IsSubscribed(channel) {
			h.reply(client, Reply{EventType: "error", Channel: channel, Error: "not subscribed"})
			return
		}
		if err := h.connections.Heartbeat(ctx, in.ChatID, client.UserID); err != nil {
			h.log.WithContext(ctx).Warnw("connection heartbeat failed", "chat_id", in.ChatID, "error", err)
		}

	case "delivered":
		if in.MessageID <= 0 {
			return
		}
		channel := chatChannelPrefix + formatID(in.ChatID)
		if !client.IsSubscribed(channel) {
			h.reply(client, Reply{EventType: "error", Channel: channel, Error: "not subscribed"})
			return
		}
		if err := h.connections.MarkDeliveredInChat(ctx, in.ChatID, in.MessageID, client.UserID); err != nil {
			h.log.WithContext(ctx).Warnw("delivery ack failed", "chat_id", in.ChatID, "message_id", in.MessageID, "error", err)
		}

	default:
		h.reply(client, Reply{EventType: "error", Error: "unknown action"})
	}
}

// detach disconnects userID from the chats of channels that none of the
// user's other sockets still listen on.
func (h *Handler) detach(ctx context.Context, userID int64, channels []string) {
	for _, channel := range channels {
		chatID, ok := ChatIDOf(channel)
		if !ok || h.hub.UserSubscribed(channel, userID) {
			continue
		}
		if err := h.connections.Disconnect(ctx, chatID, userID); err != nil {
			h.log.WithContext(ctx).Warnw("connection disconnect failed", "chat_id", chatID, "error", err)
		}
	}
}

func (h *Handler) reply(client *Client, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	client.SendMessage(data)
}

func extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
