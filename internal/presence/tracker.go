// Package presence infers online, away, busy and offline status from
// activity signals kept in the shared cache.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/domain"
	"relay-chat/internal/events"
	"relay-chat/internal/metrics"
	relay_errors "relay-chat/pkg/errors"
	"relay-chat/pkg/logger"

	"github.com/samber/lo"
)

const (
	KeyPrefix = "user:last_active:"
	IndexKey  = "presence:active_users"

	// MaxQueryUsers bounds one presence query.
	MaxQueryUsers = 50
)

func keyFor(userID int64) string {
	return KeyPrefix + strconv.FormatInt(userID, 10)
}

// Users is the durable side of presence: the stored preference.
type Users interface {
	GetByID(ctx context.Context, id int64) (domain.User, error)
	GetByIDs(ctx context.Context, ids []int64) ([]domain.User, error)
	SetPresencePreference(ctx context.Context, id int64, status domain.PresenceStatus) error
}

// Snapshot is one user's presence as reported to clients.
type Snapshot struct {
	UserID     int64                 `json:"user_id"`
	Status     domain.PresenceStatus `json:"status"`
	Preference domain.PresenceStatus `json:"preference,omitempty"`
	LastSeen   *int64                `json:"last_seen"`
}

type Tracker struct {
	store       cache.Store
	users       Users
	broadcaster events.Broadcaster
	log         *logger.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
}

func NewTracker(store cache.Store, users Users, broadcaster events.Broadcaster, log *logger.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:       store,
		users:       users,
		broadcaster: broadcaster,
		log:         logger.OrNop(log),
		metrics:     m,
		clock:       time.Now,
	}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func (t *Tracker) record(ctx context.Context, userID int64) (Record, bool, error) {
	var rec Record
	found, err := t.store.Get(ctx, keyFor(userID), &rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("read presence of user %d: %w", userID, err)
	}
	return rec, found, nil
}

// Status evaluates userID's presence now. Crossing into away rewrites the
// stored status with a TTL trimmed to the remaining time before offline.
func (t *Tracker) Status(ctx context.Context, userID int64) (domain.PresenceStatus, error) {
	now := t.clock()
	rec, found, err := t.record(ctx, userID)
	if err != nil {
		return domain.PresenceOffline, err
	}

	if needsAwayRewrite(now, rec, found) {
		remaining := OfflineAfter - rec.age(now)
		away := Record{LastActive: rec.LastActive, Status: domain.PresenceAway}
		if err := t.store.Put(ctx, keyFor(userID), away, remaining); err != nil {
			t.log.Warnw("presence away rewrite failed", "user_id", userID, "error", err)
		}
	}
	return Derive(now, rec, found), nil
}

// Heartbeat records activity. The persisted status keeps an existing
// ephemeral status, then falls back to the durable preference, then online.
// A change is broadcast when the user was absent or the status moved, unless
// the persisted status hides the user.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64) (domain.PresenceStatus, error) {
	now := t.clock()
	current, found, err := t.record(ctx, userID)
	if err != nil {
		return domain.PresenceOffline, err
	}

	status := current.Status
	if !found || status == "" {
		status = domain.PresenceOnline
		u, err := t.users.GetByID(ctx, userID)
		switch {
		case err == nil:
			if u.PresencePreference != "" {
				status = domain.NormalizeStatus(string(u.PresencePreference))
			}
		case errors.Is(err, relay_errors.ErrNotFound):
			return domain.PresenceOffline, err
		default:
			t.log.Warnw("presence preference lookup failed", "user_id", userID, "error", err)
		}
	}

	// A stored away only ever comes from the idle rewrite in Status, never
	// from a user choice, so fresh activity ends it. Explicit statuses such
	// as busy are kept.
	if status == domain.PresenceAway {
		status = domain.PresenceOnline
	}

	next := Record{LastActive: now.Unix(), Status: status}
	if err := t.store.Put(ctx, keyFor(userID), next, RecordTTL); err != nil {
		return domain.PresenceOffline, fmt.Errorf("write presence of user %d: %w", userID, err)
	}
	t.rememberIndex(ctx, userID)

	derived := Derive(now, next, true)
	switch {
	case status.HidesPresence():
		// Hidden users are never announced by their own activity.
	case !found:
		t.broadcast(ctx, userID, derived, now)
	case current.Status != "" && current.Status != derived:
		t.broadcast(ctx, userID, derived, now)
	}
	return derived, nil
}

// SetExplicitStatus stores a user chosen status both durably and in the
// ephemeral record, and always broadcasts it.
func (t *Tracker) SetExplicitStatus(ctx context.Context, userID int64, requested string) (domain.PresenceStatus, error) {
	status := domain.NormalizeStatus(requested)
	if err := t.users.SetPresencePreference(ctx, userID, status); err != nil {
		return "", fmt.Errorf("persist presence preference: %w", err)
	}

	now := t.clock()
	rec := Record{LastActive: now.Unix(), Status: status}
	if err := t.store.Put(ctx, keyFor(userID), rec, OfflineAfter); err != nil {
		return "", fmt.Errorf("write presence of user %d: %w", userID, err)
	}
	t.rememberIndex(ctx, userID)
	t.broadcast(ctx, userID, status, now)
	return status, nil
}

// MarkOffline removes userID from presence. It reports whether a record
// existed, and broadcasts offline unless the user was already gone.
func (t *Tracker) MarkOffline(ctx context.Context, userID int64) (bool, error) {
	current, err := t.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	existed, err := t.store.Forget(ctx, keyFor(userID))
	if err != nil {
		return false, fmt.Errorf("forget presence of user %d: %w", userID, err)
	}
	t.forgetIndex(ctx, userID)

	if existed || current != domain.PresenceOffline {
		t.broadcast(ctx, userID, domain.PresenceOffline, t.clock())
	}
	return existed, nil
}

// PruneStaleUsers sweeps the active-users index. Every indexed user whose
// record lapsed is torn down and announced offline exactly once.
func (t *Tracker) PruneStaleUsers(ctx context.Context) (int, error) {
	ids, err := t.index(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := t.clock()
	var pruned []int64
	for _, id := range ids {
		rec, found, err := t.record(ctx, id)
		if err != nil {
			t.log.Warnw("presence prune read failed", "user_id", id, "error", err)
			continue
		}
		if !expired(now, rec, found) {
			continue
		}
		if found {
			if _, err := t.store.Forget(ctx, keyFor(id)); err != nil {
				t.log.Warnw("presence prune forget failed", "user_id", id, "error", err)
			}
		}
		t.broadcast(ctx, id, domain.PresenceOffline, now)
		t.log.Infow("pruned stale user presence", "user_id", id)
		pruned = append(pruned, id)
	}

	if len(pruned) > 0 {
		t.removeFromIndex(ctx, pruned...)
	}
	t.metrics.PresencePruned(len(pruned))
	return len(pruned), nil
}

// ActiveUserIDs lists users with a live presence record. It scans keys when
// the backend can and falls back to the index otherwise.
func (t *Tracker) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	keys, err := t.store.Scan(ctx, KeyPrefix)
	if err != nil && !errors.Is(err, cache.ErrScanUnsupported) {
		t.log.Debugw("presence scan unavailable, using index", "error", err)
	}
	ids := lo.Uniq(lo.FilterMap(keys, func(k string, _ int) (int64, bool) {
		id, err := strconv.ParseInt(strings.TrimPrefix(k, KeyPrefix), 10, 64)
		return id, err == nil && id > 0
	}))
	if len(ids) > 0 {
		return ids, nil
	}
	return t.index(ctx)
}

// Snapshot reports userID's status together with the durable preference.
func (t *Tracker) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	u, err := t.users.GetByID(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	status, err := t.Status(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	pref := u.PresencePreference
	if pref == "" {
		pref = domain.PresenceOnline
	}
	return Snapshot{UserID: userID, Status: status, Preference: pref, LastSeen: t.lastSeen(ctx, userID)}, nil
}

// Query reports presence for up to MaxQueryUsers users. Unknown ids are
// skipped. A durable preference that hides presence reports offline.
func (t *Tracker) Query(ctx context.Context, userIDs []int64) ([]Snapshot, error) {
	if len(userIDs) > MaxQueryUsers {
		return nil, relay_errors.Invalid("user_ids", "at most %d users per query", MaxQueryUsers)
	}
	users, err := t.users.GetByIDs(ctx, lo.Uniq(userIDs))
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(users))
	for _, u := range users {
		status, err := t.Status(ctx, u.ID)
		if err != nil {
			t.log.Warnw("presence query degraded", "user_id", u.ID, "error", err)
			status = domain.PresenceOffline
		}
		snap := Snapshot{UserID: u.ID, Status: status}
		if u.PresencePreference.HidesPresence() {
			snap.Status = domain.PresenceOffline
		} else {
			snap.LastSeen = t.lastSeen(ctx, u.ID)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (t *Tracker) lastSeen(ctx context.Context, userID int64) *int64 {
	rec, found, err := t.record(ctx, userID)
	if err != nil || !found || rec.LastActive == 0 {
		return nil
	}
	return lo.ToPtr(rec.LastActive)
}

func (t *Tracker) broadcast(ctx context.Context, userID int64, status domain.PresenceStatus, at time.Time) {
	t.metrics.PresenceChanged(string(status))
	ev := events.PresenceChanged{UserID: userID, Status: status, LastSeen: at.Unix()}
	if err := t.broadcaster.Publish(ctx, ev); err != nil {
		t.log.Warnw("presence broadcast failed", "user_id", userID, "status", status, "error", err)
	}
}

func (t *Tracker) index(ctx context.Context) ([]int64, error) {
	var ids []int64
	if _, err := t.store.Get(ctx, IndexKey, &ids); err != nil {
		return nil, fmt.Errorf("read presence index: %w", err)
	}
	return ids, nil
}

func (t *Tracker) rememberIndex(ctx context.Context, userID int64) {
	ids, err := t.index(ctx)
	if err != nil {
		t.log.Warnw("presence index read failed", "user_id", userID, "error", err)
		return
	}
	if !lo.Contains(ids, userID) {
		ids = append(ids, userID)
	}
	if err := t.store.Put(ctx, IndexKey, ids, OfflineAfter); err != nil {
		t.log.Warnw("presence index write failed", "user_id", userID, "error", err)
	}
}

func (t *Tracker) forgetIndex(ctx context.Context, userID int64) {
	t.removeFromIndex(ctx, userID)
}

func (t *Tracker) removeFromIndex(ctx context.Context, userIDs ...int64) {
	ids, err := t.index(ctx)
	if err != nil {
		t.log.Warnw("presence index read failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := t.store.Put(ctx, IndexKey, lo.Without(ids, userIDs...), IndexTTL); err != nil {
		t.log.Warnw("presence index write failed", "error", err)
	}
}
