// Package pipeline runs the asynchronous fan-out of stored messages.
package pipeline

import (
	"context"
	"time"
)

// Task is a background job with a stable type name and an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. A non-nil error marks the attempt failed.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption controls how a task is scheduled. Zero values mean
// unspecified, except MaxRetry where 0 means a single attempt.
type EnqueueOption struct {
	Queue     string
	ProcessIn time.Duration
	MaxRetry  int
	Timeout   time.Duration
}

// Client enqueues tasks.
type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server runs the registered handlers until Run's context is canceled.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}
