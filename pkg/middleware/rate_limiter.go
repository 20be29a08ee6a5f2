package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per caller
type RateLimiter struct {
	visitors map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit // requests per second
	b        int        // burst
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	// Convert requests per minute to requests per second
	rps := float64(requestsPerMinute) / 60.0

	rl := &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		r:        rate.Limit(rps),
		b:        burst,
		stop:     make(chan struct{}),
	}

	go rl.cleanupVisitors(3 * time.Minute)

	return rl
}

// GetLimiter returns the limiter for the given key
func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.visitors[key]
	if !exists {
		limiter = rate.NewLimiter(rl.r, rl.b)
		rl.visitors[key] = limiter
	}

	return limiter
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// cleanupVisitors drops limiters that refilled completely
func (rl *RateLimiter) cleanupVisitors(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		for key, limiter := range rl.visitors {
			if limiter.Tokens() >= float64(rl.b) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// visitorKey prefers the authenticated user and falls back to the client IP
func visitorKey(c echo.Context) string {
	if userID, ok := c.Get("user_id").(string); ok && userID != "" {
		return "user:" + userID
	}
	ip := c.RealIP()
	if ip == "" {
		ip = c.Request().RemoteAddr
	}
	return "ip:" + ip
}

// RateLimitMiddleware creates an Echo middleware for rate limiting
func (rl *RateLimiter) RateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.GetLimiter(visitorKey(c)).Allow() {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please try again later.",
				})
			}

			return next(c)
		}
	}
}
