package httpdto

import (
	"relay-chat/internal/domain"
)

type UpdatePresenceRequest struct {
	Status string `json:"status" binding:"required"`
}

type HeartbeatResponse struct {
	Status   string                `json:"status"`
	Presence domain.PresenceStatus `json:"presence"`
}

type UpdatePresenceResponse struct {
	Status     string                `json:"status"`
	Presence   domain.PresenceStatus `json:"presence"`
	Preference domain.PresenceStatus `json:"preference"`
}

// PresenceUsersQuery is GET /presence/users?ids=1,2,3 or ?ids=1&ids=2.
type PresenceUsersQuery struct {
	IDs []string `form:"ids" binding:"required"`
}
