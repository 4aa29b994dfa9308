package redis

import (
	"context"
	"fmt"
	"strings"

	"relay-chat/internal/events"

	"github.com/redis/go-redis/v9"
)

// Publisher fans event envelopes out to every API instance over Redis
// pub/sub. Each instance's bridge re-delivers them to its local sockets.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends one encoded envelope on a chat, user or presence channel.
// Channels outside the relay namespace are refused since no bridge listens
// on them.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if !strings.HasPrefix(channel, events.ChannelPrefix) {
		return fmt.Errorf("publish %q: channel outside %q namespace", channel, events.ChannelPrefix)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
