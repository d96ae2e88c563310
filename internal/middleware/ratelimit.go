package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"verse-sync/internal/protocol"
)

// RateLimiter is a per-key sliding window: a key may make at most max
// requests in any window-long interval.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string][]time.Time
	now     func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{window: window, max: max, entries: map[string][]time.Time{}, now: time.Now}
}

// Allow records a request for key at now. When the window is full it returns
// false and how long until the oldest request leaves the window.
func (l *RateLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil || l.max <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	log := l.entries[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]
	if len(log) >= l.max {
		l.entries[key] = log
		return false, log[0].Add(l.window).Sub(now)
	}
	l.entries[key] = append(log, now)
	return true, 0
}

// Sweep drops keys whose requests have all left the window.
func (l *RateLimiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for k, log := range l.entries {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.entries, k)
		}
	}
}

// RateLimit must run after Auth; requests are keyed by user.
func RateLimit(l *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		ok, wait := l.Allow(UserIDFromContext(c), l.now())
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, protocol.ErrorBody{Error: "rate_limited", Message: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
