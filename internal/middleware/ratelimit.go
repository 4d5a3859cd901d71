package middleware

import (
	"net/http"
	"sync"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a simple token bucket used for per-IP rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimit enables per-IP rate limiting for the event intake and admin
// surface. No-ops when disabled in config. Drops are counted, not logged
// per-request.
func RateLimit(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
	)
	getBucket := func(key string) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := buckets[key]; ok {
			return b
		}
		b := newBucket(rl.RequestsPerMinute, rl.Burst)
		buckets[key] = b
		return b
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !getBucket(key).allow() {
			metrics.IncRateLimitDrop(c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
