package handler

import (
	"net/http"
	"strconv"
	"strings"

	"relay-chat/internal/presence"
	"relay-chat/internal/transport/httpdto"
	relay_errors "relay-chat/pkg/errors"

	"github.com/gin-gonic/gin"
)

type PresenceHandler struct {
	tracker *presence.Tracker
}

func NewPresenceHandler(tracker *presence.Tracker) *PresenceHandler {
	return &PresenceHandler{tracker: tracker}
}

func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	status, err := h.tracker.Heartbeat(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.HeartbeatResponse{Status: "ok", Presence: status}))
}

func (h *PresenceHandler) Offline(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if _, err := h.tracker.MarkOffline(c.Request.Context(), userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

func (h *PresenceHandler) UpdateStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.UpdatePresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(relay_errors.Invalid("status", "The status field is required."))
		return
	}

	ctx := c.Request.Context()
	preference, err := h.tracker.SetExplicitStatus(ctx, userID, req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status, err := h.tracker.Status(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.UpdatePresenceResponse{
		Status:     "ok",
		Presence:   status,
		Preference: preference,
	}))
}

func (h *PresenceHandler) Me(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	snap, err := h.tracker.Snapshot(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(snap))
}

// Users reports presence for ?ids=1,2,3 (or repeated ids parameters).
func (h *PresenceHandler) Users(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	var q httpdto.PresenceUsersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(relay_errors.Invalid("ids", "The ids field is required."))
		return
	}
	ids, err := parseIDs(q.IDs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	snaps, err := h.tracker.Query(c.Request.Context(), ids)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"users": snaps}))
}

func parseIDs(raw []string) ([]int64, error) {
	var ids []int64
	for _, chunk := range raw {
		for _, part := range strings.Split(chunk, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, relay_errors.Invalid("ids", "Invalid user id %q.", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, relay_errors.Invalid("ids", "The ids field is required.")
	}
	return ids, nil
}
