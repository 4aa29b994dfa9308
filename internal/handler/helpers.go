package handler

import (
	"strconv"

	"relay-chat/internal/services"
	relay_errors "relay-chat/pkg/errors"

	"github.com/gin-gonic/gin"
)

// currentUser is the authenticated user id. AuthMiddleware guarantees it on
// every route that uses these handlers.
func currentUser(c *gin.Context) (int64, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(relay_errors.ErrUnauthorized)
	}
	return userID, ok
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(relay_errors.ErrNotFound)
		return 0, false
	}
	return id, true
}
