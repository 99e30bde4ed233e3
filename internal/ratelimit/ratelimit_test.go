package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mbd888/agentdir/internal/auth"
	"github.com/mbd888/agentdir/internal/metrics"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 600, // 10 per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("Expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
	if cfg.Scope != "api" {
		t.Errorf("Expected scope api, got %q", cfg.Scope)
	}

	v := VerifyConfig()
	if v.RequestsPerMinute >= cfg.RequestsPerMinute {
		t.Errorf("verify limit (%d/min) should be tighter than the API limit (%d/min)",
			v.RequestsPerMinute, cfg.RequestsPerMinute)
	}
}

func TestLimiterRetryAfter(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 6, BurstSize: 1})
	defer limiter.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if ok, _ := limiter.allow("k"); !ok {
		t.Fatal("first request should be allowed")
	}
	ok, wait := limiter.allow("k")
	if ok {
		t.Fatal("second request should be denied")
	}
	// 6/min is one token every 10s.
	if wait != 10*time.Second {
		t.Errorf("wait = %v, want 10s", wait)
	}

	now = now.Add(4 * time.Second)
	_, wait = limiter.allow("k")
	if wait < 5*time.Second || wait > 6*time.Second+time.Millisecond {
		t.Errorf("wait after 4s = %v, want about 6s", wait)
	}
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware_KeysByAgentThenIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{Scope: "test", RequestsPerMinute: 1, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	// Stand-in for auth.Middleware: the X-Test-Agent header becomes the
	// authenticated handle.
	r.Use(func(c *gin.Context) {
		if h := c.GetHeader("X-Test-Agent"); h != "" {
			c.Set(auth.ContextKeyAgentHandle, h)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	do := func(agent string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		if agent != "" {
			req.Header.Set("X-Test-Agent", agent)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("test"))

	if w := do(""); w.Code != http.StatusOK {
		t.Fatalf("first anonymous request: %d", w.Code)
	}
	w := do("")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second anonymous request: got %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Same IP, but authenticated agents get their own buckets.
	if w := do("weather-bot"); w.Code != http.StatusOK {
		t.Errorf("weather-bot: got %d, want 200", w.Code)
	}
	if w := do("news-bot"); w.Code != http.StatusOK {
		t.Errorf("news-bot: got %d, want 200", w.Code)
	}
	if w := do("weather-bot"); w.Code != http.StatusTooManyRequests {
		t.Errorf("weather-bot again: got %d, want 429", w.Code)
	}

	after := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("test"))
	if after-before != 2 {
		t.Errorf("rate_limited_total grew by %v, want 2", after-before)
	}
}
