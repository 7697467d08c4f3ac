package ratelimit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/kv"
	"github.com/stackwatch/stackwatch/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestLimiter(t *testing.T, rpm int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(kv.NewFromRedis(rdb), config.RateLimitConfig{RequestsPerMinute: rpm}), mr
}

// TestAllowExhaustsBucket tests that the budget runs out at capacity.
func TestAllowExhaustsBucket(t *testing.T) {
	lim, _ := newTestLimiter(t, 3)
	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, lim.Allow(ctx, "SP1USER"), "request %d should pass", i+1)
	}
	require.False(t, lim.Allow(ctx, "SP1USER"), "over-budget request should be rejected")

	// A different principal draws from its own bucket.
	require.True(t, lim.Allow(ctx, "SP2OTHER"))
}

// TestAllowRefills tests continuous refill at capacity per minute.
func TestAllowRefills(t *testing.T) {
	lim, _ := newTestLimiter(t, 60)
	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.True(t, lim.Allow(ctx, "p"))
	}
	require.False(t, lim.Allow(ctx, "p"))

	// 60/min refills one token per second.
	now = now.Add(2 * time.Second)
	require.True(t, lim.Allow(ctx, "p"))
	require.True(t, lim.Allow(ctx, "p"))
	require.False(t, lim.Allow(ctx, "p"))
}

// TestAllowCapsAtCapacity tests that idle time does not bank extra tokens.
func TestAllowCapsAtCapacity(t *testing.T) {
	lim, _ := newTestLimiter(t, 2)
	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, lim.Allow(ctx, "p"))

	// A long idle period refills to capacity, never beyond it.
	now = now.Add(time.Hour)
	require.True(t, lim.Allow(ctx, "p"))
	require.True(t, lim.Allow(ctx, "p"))
	require.False(t, lim.Allow(ctx, "p"))
}

// TestAllowFailsOpen tests behavior when the store is unreachable.
func TestAllowFailsOpen(t *testing.T) {
	lim, mr := newTestLimiter(t, 1)
	mr.Close()

	require.True(t, lim.Allow(context.Background(), "p"),
		"a broken coordinator must not reject traffic")
}

// TestMiddleware tests the 429 path and principal selection.
func TestMiddleware(t *testing.T) {
	lim, _ := newTestLimiter(t, 1)
	now := time.Now()
	lim.now = func() time.Time { return now }

	handler := lim.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/chain", nil)
		req.RemoteAddr = "10.0.0.1:4455"
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, do("").Code)
	rec := do("")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "rate limit exceeded")

	// First hop of the forwarded chain is a separate principal.
	require.Equal(t, http.StatusOK, do("203.0.113.7, 10.0.0.1").Code)
	require.Equal(t, http.StatusTooManyRequests, do("203.0.113.7, 10.0.0.1").Code)
}

// TestPrincipal tests identifier selection order.
func TestPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	require.Equal(t, "192.0.2.9", Principal(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 192.0.2.9")
	require.Equal(t, "203.0.113.7", Principal(req))
}
