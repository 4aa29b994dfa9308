package presence

import (
	"context"
	"testing"
	"time"

	"relay-chat/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrunerStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	f.recorder.Reset()
	f.clock.Advance(RecordTTL)
	require.NoError(t, f.store.Put(ctx, IndexKey, []int64{1}, IndexTTL))

	done := make(chan struct{})
	go func() {
		NewPruner(f.tracker, 5*time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.recorder.OfType(events.TypePresenceChanged)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
	assert.Len(t, f.recorder.OfType(events.TypePresenceChanged), 1)
}
