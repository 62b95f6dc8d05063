package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RealIP extracts the client's real IP address, preferring Cloudflare's
// CF-Connecting-IP header, then X-Forwarded-For, and falling back to RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ByIP keys rate limits on the client address and the route, so a burst
// against one endpoint does not lock a client out of the others.
func ByIP(r *http.Request) string {
	return RealIP(r) + " " + r.Method + " " + r.URL.Path
}

type entry struct {
	count    int
	windowAt time.Time
}

// RateLimiter is a fixed-window in-memory limiter.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow returns true if the key has not exceeded limit in the given window.
// When it returns false, retryAfter is the time left in the window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, found := rl.entries[key]
	if !found || now.After(e.windowAt) {
		rl.entries[key] = &entry{count: 1, windowAt: now.Add(window)}
		return true, 0
	}
	e.count++
	if e.count <= limit {
		return true, 0
	}
	return false, e.windowAt.Sub(now)
}

// Cleanup removes expired entries and returns how many were dropped.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for key, e := range rl.entries {
		if now.After(e.windowAt) {
			delete(rl.entries, key)
			n++
		}
	}
	return n
}

// RateLimit returns middleware that rate-limits requests by a key function.
// Rejected requests get a JSON 429 with a Retry-After header.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := limiter.Allow(keyFunc(r), limit, window)
			if !ok {
				secs := int(math.Ceil(retryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"success":false,"error":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
