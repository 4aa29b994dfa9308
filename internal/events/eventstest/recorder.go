// Package eventstest provides an in-memory Broadcaster for tests.
package eventstest

import (
	"context"
	"sync"

	"relay-chat/internal/events"
)

// Recorder keeps every published event. Set Err to make Publish fail, or
// FailOn to fail only for one event type.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	Err    error
	FailOn string
}

func (r *Recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil && (r.FailOn == "" || r.FailOn == ev.EventType()) {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events whose type name is eventType.
func (r *Recorder) OfType(eventType string) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
