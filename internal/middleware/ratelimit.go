package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// OwnerRatePerSecond is the sustained rate for an authenticated owner
	OwnerRatePerSecond float64
	// OwnerBurst is the max requests an owner may make in a burst
	OwnerBurst int
	// UnauthRatePerSecond is the rate limit for unauthenticated requests (by IP)
	UnauthRatePerSecond float64
	// UnauthBurst is the burst size for unauthenticated requests
	UnauthBurst int
	// CleanupInterval is how often to clean up old limiters
	CleanupInterval time.Duration
	// MaxAge is how long to keep a limiter after last use
	MaxAge time.Duration
}

// DefaultRateLimitConfig returns the limits used when nothing is configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		OwnerRatePerSecond:  10,
		OwnerBurst:          20,
		UnauthRatePerSecond: 5,
		UnauthBurst:         10,
		CleanupInterval:     5 * time.Minute,
		MaxAge:              10 * time.Minute,
	}
}

type rateLimiterEntry struct {
	limiter      *rate.Limiter
	lastSeenNano atomic.Int64
}

// RateLimiter manages per-key rate limiters
type RateLimiter struct {
	config   RateLimitConfig
	limiters sync.Map // map[string]*rateLimiterEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		stopCh: make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evict(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// evict drops limiters not used within MaxAge of now.
func (rl *RateLimiter) evict(now time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		lastSeen := time.Unix(0, entry.lastSeenNano.Load())
		if now.Sub(lastSeen) > rl.config.MaxAge {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) getLimiter(key string, ratePerSecond float64, burst int) *rate.Limiter {
	now := time.Now().UnixNano()

	if val, ok := rl.limiters.Load(key); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeenNano.Store(now)
		return entry.limiter
	}

	entry := &rateLimiterEntry{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
	entry.lastSeenNano.Store(now)
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*rateLimiterEntry).limiter
}

// Allow checks if a request is allowed for the given key and rate
func (rl *RateLimiter) Allow(key string, ratePerSecond float64, burst int) bool {
	return rl.getLimiter(key, ratePerSecond, burst).Allow()
}

// RateLimit creates middleware that enforces rate limits.
// Authenticated requests are limited per owner, the rest per client IP.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			var ratePerSecond float64
			var burst int

			if owner := GetOwnerID(r.Context()); owner != "" {
				key = "owner:" + owner
				ratePerSecond = rl.config.OwnerRatePerSecond
				burst = rl.config.OwnerBurst
			} else {
				ip := r.RemoteAddr
				if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
					ip = host
				}
				key = "ip:" + ip
				ratePerSecond = rl.config.UnauthRatePerSecond
				burst = rl.config.UnauthBurst
			}

			if !rl.Allow(key, ratePerSecond, burst) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(ratePerSecond, 'f', -1, 64))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
