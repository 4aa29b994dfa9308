package websocket

import (
	"context"
	"encoding/json"

	"relay-chat/internal/events"
	"relay-chat/pkg/logger"
)

// Subscriber receives raw pub/sub messages.
type Subscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler func(channel string, payload []byte)) error
}

// RedisBridge forwards every envelope published on Redis to the hub, so each
// API instance serves its own sockets.
type RedisBridge struct {
	subscriber Subscriber
	hub        *Hub
	log        *logger.Logger
}

func NewRedisBridge(subscriber Subscriber, hub *Hub, log *logger.Logger) *RedisBridge {
	return &RedisBridge{subscriber: subscriber, hub: hub, log: logger.OrNop(log)}
}

// Run blocks until ctx is canceled or the subscription fails.
func (b *RedisBridge) Run(ctx context.Context) error {
	return b.subscriber.Subscribe(ctx, []string{events.ChannelPrefix + "*"}, b.Deliver)
}

// Deliver routes one published envelope to the sockets subscribed to its
// channel, skipping the excepted user.
func (b *RedisBridge) Deliver(channel string, payload []byte) {
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Warnw("dropping undecodable envelope", "channel", channel, "error", err)
		return
	}
	b.hub.Broadcast(channel, payload, env.ExceptUserID)
}

// LocalPublisher hands envelopes straight to this instance's sockets. It
// stands in for Redis pub/sub on a single instance without Redis.
type LocalPublisher struct {
	bridge *RedisBridge
}

func NewLocalPublisher(hub *Hub, log *logger.Logger) *LocalPublisher {
	return &LocalPublisher{bridge: NewRedisBridge(nil, hub, log)}
}

func (p *LocalPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.bridge.Deliver(channel, payload)
	return nil
}
