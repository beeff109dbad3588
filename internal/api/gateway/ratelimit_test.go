package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Rate Limiter Tests
// =============================================================================

// TestRateLimiter_FailsOpenWithoutRedis verifies that an unreachable
// Redis never blocks ingestion: the limiter allows the request.
func TestRateLimiter_FailsOpenWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listening
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute}, nil)

	result, err := rl.Check(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("Check should not error on Redis failure: %v", err)
	}
	if !result.Allowed {
		t.Error("limiter must fail open when Redis is unavailable")
	}
}

// TestRateLimiter_MiddlewarePassesThrough verifies the middleware calls
// the next handler when the check allows the request.
func TestRateLimiter_MiddlewarePassesThrough(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute}, nil)

	called := false
	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/events/ingest", nil)
	req.Header.Set("X-Agent-ID", "agent-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("next handler not invoked")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("code = %d, want 201", rec.Code)
	}
}

// TestRateLimiter_Defaults verifies zero-value config gets usable
// defaults.
func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{}, nil)
	if rl.config.RequestsPerWindow != 600 {
		t.Errorf("requests per window = %d, want 600", rl.config.RequestsPerWindow)
	}
	if rl.config.Window != time.Minute {
		t.Errorf("window = %v, want 1m", rl.config.Window)
	}
}
