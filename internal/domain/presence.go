package domain

import "strings"

type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceAway      PresenceStatus = "away"
	PresenceBusy      PresenceStatus = "busy"
	PresenceOffline   PresenceStatus = "offline"
	PresenceInvisible PresenceStatus = "invisible"
)

// NormalizeStatus collapses client supplied status names onto the stored set.
// invisible and offline both persist as offline; unknown values become online.
func NormalizeStatus(raw string) PresenceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "invisible", "hidden", "offline":
		return PresenceOffline
	case "busy", "dnd":
		return PresenceBusy
	case "away", "idle":
		return PresenceAway
	default:
		return PresenceOnline
	}
}

// HidesPresence reports whether a durable preference masks the user as offline
// to peers.
func (s PresenceStatus) HidesPresence() bool {
	return s == PresenceInvisible || s == PresenceOffline
}
