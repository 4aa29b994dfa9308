package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Broadcaster pushes events to connected clients. Delivery is at most once
// per call; a returned error means at least one channel publish failed.
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
}

// Publisher is a raw pub/sub transport.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PubSubBroadcaster wraps events in an Envelope and publishes one per
// resolved channel.
type PubSubBroadcaster struct {
	publisher Publisher
	resolver  ChannelResolver
	clock     func() time.Time
}

func NewPubSubBroadcaster(publisher Publisher, resolver ChannelResolver) *PubSubBroadcaster {
	if resolver == nil {
		resolver = NewChannelResolver()
	}
	return &PubSubBroadcaster{publisher: publisher, resolver: resolver, clock: time.Now}
}

func (b *PubSubBroadcaster) Publish(ctx context.Context, event Event) error {
	targets := b.resolver.Resolve(event)
	if len(targets) == 0 {
		return fmt.Errorf("no channel for event %q", event.EventType())
	}

	now := b.clock()
	var errs []error
	for _, target := range targets {
		env, err := NewEnvelope(event, target, now)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		if err := b.publisher.Publish(ctx, target.Channel, data); err != nil {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", event.EventType(), target.Channel, err))
		}
	}
	return errors.Join(errs...)
}
