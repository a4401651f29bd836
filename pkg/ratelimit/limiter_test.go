package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Burst(t *testing.T) {
	tb := NewTokenBucket(3, 1.0)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "burst capacity exhausted")
}

func TestTokenBucket_Refill(t *testing.T) {
	// 100 tokens per second refills one token in ~10ms
	tb := NewTokenBucket(1, 100.0)

	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, tb.Allow(), "bucket refilled after waiting")
}

func TestTokenBucket_Reset(t *testing.T) {
	tb := NewTokenBucket(2, 0.001)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	tb.Reset()
	assert.True(t, tb.Allow())
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	rl := NewRateLimiter(1, 0.001, 0)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "keys do not share buckets")

	rl.Reset("alice")
	assert.True(t, rl.Allow("alice"))

	stats := rl.GetStats()
	assert.Equal(t, 2, stats.ActiveBuckets)
}

func TestMemoryCounterStore(t *testing.T) {
	store := NewMemoryCounterStore(0)
	ctx := context.Background()

	count, err := store.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = store.Incr(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryCounterStore_WindowExpiry(t *testing.T) {
	store := NewMemoryCounterStore(0)
	ctx := context.Background()

	_, err := store.Incr(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	count, err := store.Incr(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired window restarts the count")
}

func TestWindowLimiter(t *testing.T) {
	limiter := NewWindowLimiter(NewMemoryCounterStore(0), 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed, "limit reached within window")
}

func TestMiddleware_EndpointLimit(t *testing.T) {
	config := DefaultConfig()
	config.GlobalEnabled = false
	config.PerIPEnabled = false
	config.PerUserEnabled = false
	config.EndpointLimits = map[string]EndpointLimit{
		"POST /api/auth/login": {Limit: 2, Window: time.Minute},
	}

	m := NewMiddleware(config, NewMemoryCounterStore(0))
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doPost := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, doPost("/api/auth/login").Code)
	assert.Equal(t, http.StatusOK, doPost("/api/auth/login").Code)

	rec := doPost("/api/auth/login")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Other endpoints are unaffected
	assert.Equal(t, http.StatusOK, doPost("/api/auth/other").Code)
}

func TestMiddleware_PerIP(t *testing.T) {
	config := DefaultConfig()
	config.GlobalEnabled = false
	config.PerUserEnabled = false
	config.PerIPCapacity = 1
	config.PerIPRefillRate = 0.001

	m := NewMiddleware(config, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doGet := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, doGet("10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, doGet("10.0.0.2").Code, "limits are per address")
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", getClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", getClientIP(req))
}
