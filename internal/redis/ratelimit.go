package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key patterns:
// - ratelimit:{user_id}:send - per-user message sends
// - ratelimit:{user_id}:presence:heartbeat - presence heartbeats
// - ratelimit:{user_id}:presence:offline - explicit offline signals
// - ratelimit:{user_id}:presence:status - explicit status changes
// - ratelimit:{user_id}:typing - typing indicators

// Policy is one limited action.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// RateLimitConfig contains the limits for every limited action.
type RateLimitConfig struct {
	Send              Policy
	PresenceHeartbeat Policy
	PresenceOffline   Policy
	PresenceStatus    Policy
	Typing            Policy
}

// DefaultRateLimitConfig returns the production limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Send:              Policy{Name: "send", Limit: 30, Window: time.Minute},
		PresenceHeartbeat: Policy{Name: "presence:heartbeat", Limit: 60, Window: time.Minute},
		PresenceOffline:   Policy{Name: "presence:offline", Limit: 20, Window: time.Minute},
		PresenceStatus:    Policy{Name: "presence:status", Limit: 10, Window: time.Minute},
		Typing:            Policy{Name: "typing", Limit: 60, Window: time.Minute},
	}
}

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		config: config,
	}
}

func (r *RateLimiter) Config() RateLimitConfig {
	return r.config
}

// Allow consumes one unit of policy for userID.
func (r *RateLimiter) Allow(ctx context.Context, policy Policy, userID int64) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", strconv.FormatInt(userID, 10), policy.Name)
	return r.checkLimit(ctx, key, policy.Limit, policy.Window)
}

var checkLimitScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

// checkLimit is a fixed window counter evaluated atomically in Lua.
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	result, err := checkLimitScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}

	allowed, _ := resultSlice[0].(int64)
	remaining, _ := resultSlice[1].(int64)
	ttl, _ := resultSlice[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
		Limit:     limit,
	}, nil
}

// Reset clears policy for userID.
func (r *RateLimiter) Reset(ctx context.Context, policy Policy, userID int64) error {
	key := fmt.Sprintf("ratelimit:%s:%s", strconv.FormatInt(userID, 10), policy.Name)
	return r.client.Del(ctx, key).Err()
}
