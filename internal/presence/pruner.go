package presence

import (
	"context"
	"time"

	"relay-chat/pkg/logger"
)

// Pruner runs PruneStaleUsers on a fixed interval. It is the only place
// offline is announced for users who simply stopped sending heartbeats.
type Pruner struct {
	tracker  *Tracker
	interval time.Duration
	log      *logger.Logger
}

func NewPruner(tracker *Tracker, interval time.Duration, log *logger.Logger) *Pruner {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Pruner{tracker: tracker, interval: interval, log: logger.OrNop(log)}
}

// Run blocks until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Start runs the pruner in its own goroutine.
func (p *Pruner) Start(ctx context.Context) {
	go p.Run(ctx)
}

func (p *Pruner) sweep(ctx context.Context) {
	n, err := p.tracker.PruneStaleUsers(ctx)
	if err != nil {
		p.log.Errorw("presence prune failed", "error", err)
		return
	}
	if n > 0 {
		p.log.Infow("presence prune complete", "pruned", n)
	}
}
