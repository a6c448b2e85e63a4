package security

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// ScanRateLimiter throttles gate scan traffic. The fixed window lives
// in Redis so every replica shares one budget per scanning device.
type ScanRateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewScanRateLimiter(redisClient *redis.Client) *ScanRateLimiter {
	return &ScanRateLimiter{
		redis:  redisClient,
		limit:  120,
		window: time.Minute,
	}
}

// Limit is middleware for the gate routes. A broken Redis never blocks
// a scan; the limiter fails open.
func (r *ScanRateLimiter) Limit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if r.redis == nil {
			return e.Next()
		}

		id := e.RealIP()
		if e.Auth != nil {
			id = e.Auth.Id
		}
		key := fmt.Sprintf("ratelimit:scan:%s", id)

		count, err := r.redis.Incr(e.Request.Context(), key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(e.Request.Context(), key, r.window)
			}
			if count > r.limit {
				return apis.NewApiError(http.StatusTooManyRequests, "Too many requests. Please try again later.", nil)
			}
		}
		return e.Next()
	}
}

// BlockScrapers rejects obvious automated clients on the public resale
// routes.
func (r *ScanRateLimiter) BlockScrapers() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		userAgent := e.Request.Header.Get("User-Agent")
		if isSuspiciousUserAgent(userAgent) {
			return apis.NewForbiddenError("Access denied", nil)
		}
		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
