package events

import (
	"encoding/json"
	"time"
)

// Envelope is what subscribers receive on a channel.
type Envelope struct {
	EventType    string          `json:"event_type"`
	Channel      string          `json:"channel"`
	ExceptUserID int64           `json:"except_user_id,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload"`
}

func NewEnvelope(ev Event, target Target, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventType:    ev.EventType(),
		Channel:      target.Channel,
		ExceptUserID: target.ExceptUserID,
		OccurredAt:   at.UTC(),
		Payload:      payload,
	}, nil
}
