package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per identifier in fixed Redis windows.
type RateLimiter struct {
	redis  redis.Cmdable
	limit  int
	window time.Duration
}

// NewRateLimiter allows limit requests per window. A limit of 0 disables it.
func NewRateLimiter(redisClient redis.Cmdable, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: limit, window: window}
}

// Allow records one request for key and reports whether it is within the limit.
// The counter and its expiry are set in one MULTI, so a key never outlives its
// window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	var incr *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return true, err
	}
	return incr.Val() <= int64(r.limit), nil
}

// QueueRateLimit limits queue joins per participant, keyed by the external_id
// of the request body. Requests without one are limited per client IP. Redis
// errors let the request through.
func (r *RateLimiter) QueueRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		key := joinLimitKey(e)

		ok, err := r.Allow(e.Request.Context(), key)
		if err != nil {
			slog.Warn("Rate limiter unavailable", "key", key, "error", err)
		}
		if !ok {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

func joinLimitKey(e *core.RequestEvent) string {
	if e.Request.Body != nil {
		data, err := io.ReadAll(e.Request.Body)
		e.Request.Body = io.NopCloser(bytes.NewReader(data))

		var body struct {
			ExternalID int64 `json:"external_id"`
		}
		if err == nil && json.Unmarshal(data, &body) == nil && body.ExternalID > 0 {
			return fmt.Sprintf("ratelimit:join:user:%d", body.ExternalID)
		}
	}
	return fmt.Sprintf("ratelimit:join:ip:%s", e.RealIP())
}
