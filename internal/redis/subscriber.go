package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Subscriber feeds envelopes published by any API instance into this
// instance's websocket bridge.
type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe listens on the relay channel patterns and hands each envelope to
// deliver. It returns nil once ctx is canceled and an error if the Redis
// connection drops, so the caller can decide whether to restart the bridge.
func (s *Subscriber) Subscribe(ctx context.Context, patterns []string, deliver func(channel string, payload []byte)) error {
	sub := s.client.PSubscribe(ctx, patterns...)
	defer sub.Close()

	// Wait for the subscription ack so envelopes published right after
	// startup are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %v: %w", patterns, err)
	}

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive envelope: %w", err)
		}
		deliver(msg.Channel, []byte(msg.Payload))
	}
}
