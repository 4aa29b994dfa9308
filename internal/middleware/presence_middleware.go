package middleware

import (
	"context"
	"strconv"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/internal/domain"
	"relay-chat/internal/services"
	"relay-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

const trackPresencePrefix = "presence_track:"

// PresenceBeater records user activity.
type PresenceBeater interface {
	Heartbeat(ctx context.Context, userID int64) (domain.PresenceStatus, error)
}

// TrackPresence counts authenticated requests as presence heartbeats, at
// most once per throttle window per user. Requests to skip paths (route
// patterns as gin reports them) are not counted. Failures are logged only.
func TrackPresence(beater PresenceBeater, store cache.Store, throttle time.Duration, l *logger.Logger, skip ...string) gin.HandlerFunc {
	l = logger.OrNop(l)
	excluded := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		excluded[p] = struct{}{}
	}
	return func(c *gin.Context) {
		c.Next()

		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok {
			return
		}
		if _, skipped := excluded[c.FullPath()]; skipped {
			return
		}

		ctx := c.Request.Context()
		key := trackPresencePrefix + strconv.FormatInt(userID, 10)
		var seen bool
		if hit, err := store.Get(ctx, key, &seen); err == nil && hit {
			return
		}
		if err := store.Put(ctx, key, true, throttle); err != nil {
			l.WithContext(ctx).Debugw("presence throttle write failed", "error", err)
		}
		if _, err := beater.Heartbeat(ctx, userID); err != nil {
			l.WithContext(ctx).Debugw("presence tracking failed", "error", err)
		}
	}
}
