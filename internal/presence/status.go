package presence

import (
	"time"

	"relay-chat/internal/domain"
)

const (
	AwayAfter    = 180 * time.Second
	OfflineAfter = 600 * time.Second
	// RecordTTL outlives OfflineAfter so a lapsed record is still readable
	// when the pruner looks at it.
	RecordTTL = OfflineAfter + 60*time.Second
	IndexTTL  = 600 * time.Second
)

// Record is the ephemeral per-user presence entry.
type Record struct {
	LastActive int64                 `json:"last_active"`
	Status     domain.PresenceStatus `json:"status"`
}

func (r Record) age(now time.Time) time.Duration {
	return now.Sub(time.Unix(r.LastActive, 0))
}

// Derive computes the status from a record read at now. It has no side
// effects. Only busy survives the age buckets; a hidden user is masked by
// the durable preference when peers query, not here.
func Derive(now time.Time, rec Record, found bool) domain.PresenceStatus {
	if !found || rec.LastActive == 0 {
		return domain.PresenceOffline
	}
	age := rec.age(now)
	switch {
	case age >= OfflineAfter:
		return domain.PresenceOffline
	case rec.Status == domain.PresenceBusy:
		return domain.PresenceBusy
	case age >= AwayAfter:
		return domain.PresenceAway
	default:
		return domain.PresenceOnline
	}
}

// expired reports whether the record no longer describes a present user,
// regardless of the status it carries.
func expired(now time.Time, rec Record, found bool) bool {
	return !found || rec.LastActive == 0 || rec.age(now) >= OfflineAfter
}

// needsAwayRewrite reports whether a read at now should persist the away
// transition.
func needsAwayRewrite(now time.Time, rec Record, found bool) bool {
	if expired(now, rec, found) {
		return false
	}
	if rec.age(now) < AwayAfter {
		return false
	}
	return rec.Status != domain.PresenceAway && rec.Status != domain.PresenceBusy
}
