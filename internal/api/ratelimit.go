package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/medrex/dlt-telehealth/pkg/types"
)

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[types.Identity]*callerBucket
	limit   int
	period  time.Duration
	now     func() time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit requests per caller every period
func NewRateLimiter(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		buckets: make(map[types.Identity]*callerBucket),
		limit:   limit,
		period:  period,
		now:     now,
	}
}

// Allow takes a token from caller's bucket. When the bucket is empty it
// reports how long until the next token is due.
func (rl *RateLimiter) Allow(caller types.Identity) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[caller]
	if !ok {
		bucket = &callerBucket{
			limiter: rate.NewLimiter(rate.Every(rl.period/time.Duration(rl.limit)), rl.limit),
		}
		rl.buckets[caller] = bucket
	}
	bucket.lastSeen = now

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, rl.period
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops buckets that have been idle for a full period
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.period)
	for caller, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, caller)
		}
	}
}

// rateLimitMiddleware must run after authMiddleware so the caller is known
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		allowed, wait := s.limiter.Allow(caller)
		if !allowed {
			s.logger.WithContext(r.Context()).Warn("Rate limit exceeded")
			s.metrics.RecordRateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)+1))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:  "rate limit exceeded",
				Code:   "RATE_LIMITED",
				Status: http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
