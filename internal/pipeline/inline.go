package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relay-chat/pkg/logger"
)

// Inline runs tasks synchronously inside Enqueue. It serves single-process
// deployments without Redis and tests. A handler error is logged the way the
// asynq error handler would, and not returned to the enqueuer.
type Inline struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	seq      atomic.Int64
	log      *logger.Logger
}

var (
	_ Client = (*Inline)(nil)
	_ Server = (*Inline)(nil)
)

func NewInline(log *logger.Logger) *Inline {
	return &Inline{handlers: map[string]Handler{}, log: logger.OrNop(log)}
}

func (q *Inline) Register(taskType string, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

func (q *Inline) Enqueue(ctx context.Context, t Task, _ ...EnqueueOption) (string, error) {
	q.mu.RLock()
	h, ok := q.handlers[t.Type]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("inline queue: no handler for %q", t.Type)
	}
	id := fmt.Sprintf("inline-%d", q.seq.Add(1))
	if err := h(ctx, t); err != nil {
		q.log.WithContext(ctx).Errorw("task failed", "type", t.Type, "task_id", id, "error", err)
	}
	return id, nil
}

func (q *Inline) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (q *Inline) Stop(context.Context) error { return nil }

func (q *Inline) Close() error { return nil }
