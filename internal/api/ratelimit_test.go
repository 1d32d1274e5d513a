package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/medrex/dlt-telehealth/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute, func() time.Time { return now })

	allowed, _ := rl.Allow(patient)
	assert.True(t, allowed)
	allowed, _ = rl.Allow(patient)
	assert.True(t, allowed)

	allowed, wait := rl.Allow(patient)
	assert.False(t, allowed)
	assert.InDelta(t, float64(30*time.Second), float64(wait), float64(time.Millisecond))

	allowed, _ = rl.Allow(doctor)
	assert.True(t, allowed, "buckets are per caller")

	now = now.Add(31 * time.Second)
	allowed, _ = rl.Allow(patient)
	assert.True(t, allowed, "one token refills after half the period")
	allowed, _ = rl.Allow(patient)
	assert.False(t, allowed)

	now = now.Add(time.Minute)
	allowed, _ = rl.Allow(patient)
	assert.True(t, allowed)
}

func TestRateLimiterKeepsPartialRefill(t *testing.T) {
	now := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(4, time.Minute, func() time.Time { return now })

	for i := 0; i < 4; i++ {
		allowed, _ := rl.Allow(patient)
		require.True(t, allowed)
	}

	// one request every 20s stays under four per minute
	for i := 0; i < 12; i++ {
		now = now.Add(20 * time.Second)
		allowed, _ := rl.Allow(patient)
		assert.True(t, allowed, "request %d", i)
	}
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Minute, func() time.Time { return now })

	rl.Allow(patient)
	now = now.Add(30 * time.Second)
	rl.Allow(doctor)
	now = now.Add(45 * time.Second)
	rl.Prune()

	assert.NotContains(t, rl.buckets, patient)
	assert.Contains(t, rl.buckets, doctor)
}

func TestRateLimitMiddleware(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 1
		cfg.Server.RateLimitPeriod = time.Hour
	})

	rec := ts.do(http.MethodGet, "/api/v1/totals", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/totals", patient, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "RATE_LIMITED", body.Code)

	rec = ts.do(http.MethodGet, "/api/v1/totals", doctor, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "unauthenticated routes are not limited")
}
