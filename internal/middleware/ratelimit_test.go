package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(now *time.Time) *RateLimiter {
	rl := NewRateLimiter()
	rl.now = func() time.Time { return *now }
	return rl
}

func TestRateLimiterAllow(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(&now)

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("key", 5, time.Minute); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	now = now.Add(20 * time.Second)
	ok, retryAfter := rl.Allow("key", 5, time.Minute)
	if ok {
		t.Error("6th request should be denied")
	}
	if retryAfter != 40*time.Second {
		t.Errorf("retry after = %v, want 40s", retryAfter)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(&now)

	for i := 0; i < 3; i++ {
		rl.Allow("key", 3, 10*time.Second)
	}
	if ok, _ := rl.Allow("key", 3, 10*time.Second); ok {
		t.Error("should be blocked within window")
	}

	now = now.Add(11 * time.Second)
	if ok, _ := rl.Allow("key", 3, 10*time.Second); !ok {
		t.Error("should be allowed after window expires")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(&now)

	rl.Allow("expired", 5, 10*time.Second)
	now = now.Add(15 * time.Second)
	rl.Allow("active", 5, time.Minute)

	if n := rl.Cleanup(); n != 1 {
		t.Errorf("cleaned %d entries, want 1", n)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["expired"]; ok {
		t.Error("expired entry should have been cleaned up")
	}
	if _, ok := rl.entries["active"]; !ok {
		t.Error("active entry should still exist")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter()

	handler := RateLimit(rl, ByIP, 2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/use-credits", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest("POST", "/api/use-credits", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// A different route has its own budget.
	req = httptest.NewRequest("POST", "/api/cancel-subscription", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other route: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1234", "1.1.1.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.1"}, "3.3.3.3:1234", "2.2.2.2"},
		{"remote addr", nil, "3.3.3.3:1234", "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := RealIP(req); got != tt.want {
				t.Errorf("RealIP = %q, want %q", got, tt.want)
			}
		})
	}
}
