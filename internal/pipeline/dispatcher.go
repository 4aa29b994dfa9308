package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"relay-chat/internal/services"
)

// Dispatcher enqueues deliveries as single-attempt tasks on the chats queue.
type Dispatcher struct {
	client Client
}

var _ services.DeliveryEnqueuer = (*Dispatcher)(nil)

func NewDispatcher(client Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) EnqueueDelivery(ctx context.Context, delivery services.Delivery) error {
	payload, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	_, err = d.client.Enqueue(ctx, Task{Type: DeliveryTask, Payload: payload}, EnqueueOption{Queue: DeliveryQueue, MaxRetry: 0})
	return err
}
