package presence

import (
	"context"
	"testing"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/domain"
	"relay-chat/internal/events"
	"relay-chat/internal/events/eventstest"
	"relay-chat/internal/repository/repotest"
	relay_errors "relay-chat/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tracker  *Tracker
	store    *cache.Memory
	clock    *cache.Clock
	repo     *repotest.Store
	recorder *eventstest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := cache.NewClock(time.Unix(1_700_000_000, 0))
	store := cache.NewMemory()
	store.Now = clock.Now
	repo := repotest.New()
	repo.AddUser(domain.User{ID: 1, Name: "Alice"})
	repo.AddUser(domain.User{ID: 2, Name: "Bob"})
	recorder := &eventstest.Recorder{}
	tracker := NewTracker(store, repo.Users(), recorder, nil, nil).WithClock(clock.Now)
	return &fixture{tracker: tracker, store: store, clock: clock, repo: repo, recorder: recorder}
}

func (f *fixture) presenceEvents() []events.PresenceChanged {
	var out []events.PresenceChanged
	for _, ev := range f.recorder.OfType(events.TypePresenceChanged) {
		out = append(out, ev.(events.PresenceChanged))
	}
	return out
}

func TestDerive(t *testing.T) {
	now := time.Unix(10_000, 0)
	at := func(ago time.Duration, status domain.PresenceStatus) Record {
		return Record{LastActive: now.Add(-ago).Unix(), Status: status}
	}

	tests := []struct {
		name  string
		rec   Record
		found bool
		want  domain.PresenceStatus
	}{
		{"no record", Record{}, false, domain.PresenceOffline},
		{"fresh", at(10*time.Second, domain.PresenceOnline), true, domain.PresenceOnline},
		{"fresh busy", at(10*time.Second, domain.PresenceBusy), true, domain.PresenceBusy},
		{"idle", at(AwayAfter, domain.PresenceOnline), true, domain.PresenceAway},
		{"idle busy", at(AwayAfter+time.Second, domain.PresenceBusy), true, domain.PresenceBusy},
		{"stale", at(OfflineAfter, domain.PresenceOnline), true, domain.PresenceOffline},
		{"stale busy", at(OfflineAfter, domain.PresenceBusy), true, domain.PresenceOffline},
		{"stored offline fresh", at(10*time.Second, domain.PresenceOffline), true, domain.PresenceOnline},
		{"stored offline idle", at(200*time.Second, domain.PresenceOffline), true, domain.PresenceAway},
		{"stored offline stale", at(OfflineAfter, domain.PresenceOffline), true, domain.PresenceOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(now, tt.rec, tt.found))
		})
	}
}

func TestStatusIsStableWithinBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	first, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	second, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, first)
	assert.Equal(t, first, second)
}

func TestStatusRewritesAwayWithTrimmedTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(200 * time.Second)

	status, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAway, status)

	var rec Record
	ok, err := f.store.Get(ctx, keyFor(1), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.PresenceAway, rec.Status)
	assert.Equal(t, 400*time.Second, f.store.TTL(keyFor(1)))

	again, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAway, again)
}

func TestHeartbeatBroadcastsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	status, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, status)
	require.Len(t, f.presenceEvents(), 1)

	f.clock.Advance(30 * time.Second)
	_, err = f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, f.presenceEvents(), 1)

	f.clock.Advance(200 * time.Second)
	away, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.PresenceAway, away)

	back, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, back)
	evs := f.presenceEvents()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.PresenceOnline, evs[1].Status)

	f.clock.Advance(10 * time.Second)
	_, err = f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, f.presenceEvents(), 2)
}

func TestBusySurvivesHeartbeats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	status, err := f.tracker.SetExplicitStatus(ctx, 1, "dnd")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceBusy, status)

	for i := 0; i < 5; i++ {
		f.clock.Advance(30 * time.Second)
		got, err := f.tracker.Heartbeat(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceBusy, got)
	}

	f.clock.Advance(AwayAfter + time.Second)
	got, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceBusy, got)

	u, err := f.repo.Users().GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceBusy, u.PresencePreference)
}

func TestHeartbeatFallsBackToDurablePreference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.Users().SetPresencePreference(ctx, 2, domain.PresenceBusy))

	status, err := f.tracker.Heartbeat(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceBusy, status)
}

func TestHeartbeatUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Heartbeat(context.Background(), 99)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
	assert.Empty(t, f.presenceEvents())
}

func TestSetExplicitStatusAlwaysBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		_, err := f.tracker.SetExplicitStatus(ctx, 1, "online")
		require.NoError(t, err)
	}
	assert.Len(t, f.presenceEvents(), 2)

	status, err := f.tracker.SetExplicitStatus(ctx, 1, "invisible")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, status)
	evs := f.presenceEvents()
	require.Len(t, evs, 3)
	assert.Equal(t, domain.PresenceOffline, evs[2].Status)

	snaps, err := f.tracker.Query(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.PresenceOffline, snaps[0].Status)
	assert.Nil(t, snaps[0].LastSeen)
}

func TestStatusRewritesStoredOfflineToAway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.SetExplicitStatus(ctx, 1, "offline")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	fresh, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, fresh)

	f.clock.Advance(190 * time.Second)
	idle, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAway, idle)

	var rec Record
	ok, err := f.store.Get(ctx, keyFor(1), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.PresenceAway, rec.Status)
}

func TestHiddenHeartbeatIsNotAnnounced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.Users().SetPresencePreference(ctx, 2, domain.PresenceInvisible))

	for i := 0; i < 3; i++ {
		status, err := f.tracker.Heartbeat(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceOnline, status)
		f.clock.Advance(30 * time.Second)
	}
	assert.Empty(t, f.presenceEvents())

	snaps, err := f.tracker.Query(ctx, []int64{2})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.PresenceOffline, snaps[0].Status)
}

func TestMarkOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	f.recorder.Reset()

	existed, err := f.tracker.MarkOffline(ctx, 1)
	require.NoError(t, err)
	assert.True(t, existed)
	evs := f.presenceEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.PresenceOffline, evs[0].Status)

	existed, err = f.tracker.MarkOffline(ctx, 1)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Len(t, f.presenceEvents(), 1)

	ids, err := f.tracker.ActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPruneStaleUsersAnnouncesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(500 * time.Second)
	_, err = f.tracker.Heartbeat(ctx, 2)
	require.NoError(t, err)
	f.clock.Advance(161 * time.Second)
	f.recorder.Reset()

	pruned, err := f.tracker.PruneStaleUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	evs := f.presenceEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, int64(1), evs[0].UserID)
	assert.Equal(t, domain.PresenceOffline, evs[0].Status)

	ids, err := f.tracker.index(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	again, err := f.tracker.PruneStaleUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
	assert.Len(t, f.presenceEvents(), 1)
}

func TestPruneRemovesLapsedButReadableRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(OfflineAfter - time.Second)
	require.NoError(t, f.store.Put(ctx, IndexKey, []int64{1}, IndexTTL))
	f.clock.Advance(5 * time.Second)

	pruned, err := f.tracker.PruneStaleUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	ok, err := cache.Has(ctx, f.store, keyFor(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hidden := f.repo.AddUser(domain.User{Name: "Hidden", PresencePreference: domain.PresenceInvisible})

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	_, err = f.tracker.Heartbeat(ctx, hidden.ID)
	require.NoError(t, err)

	snaps, err := f.tracker.Query(ctx, []int64{1, 2, hidden.ID, 404})
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	byID := map[int64]Snapshot{}
	for _, s := range snaps {
		byID[s.UserID] = s
	}
	assert.Equal(t, domain.PresenceOnline, byID[1].Status)
	assert.NotNil(t, byID[1].LastSeen)
	assert.Equal(t, domain.PresenceOffline, byID[2].Status)
	assert.Equal(t, domain.PresenceOffline, byID[hidden.ID].Status)
	assert.Nil(t, byID[hidden.ID].LastSeen)
}

func TestQueryRejectsTooManyUsers(t *testing.T) {
	f := newFixture(t)
	ids := make([]int64, MaxQueryUsers+1)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	_, err := f.tracker.Query(context.Background(), ids)
	assert.ErrorIs(t, err, relay_errors.ErrInvalidInput)
}

func TestActiveUserIDsFromScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tracker.Heartbeat(ctx, 1)
	require.NoError(t, err)
	_, err = f.tracker.Heartbeat(ctx, 2)
	require.NoError(t, err)

	ids, err := f.tracker.ActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	snap, err := f.tracker.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, snap.Status)
	assert.Equal(t, domain.PresenceOnline, snap.Preference)
	assert.Nil(t, snap.LastSeen)
}
