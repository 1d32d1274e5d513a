package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// DefaultSlowLedgerPing is the ping latency above which the ledger is reported degraded
const DefaultSlowLedgerPing = 500 * time.Millisecond

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`

	ledger *LedgerStatus
}

// LedgerStatus summarizes the ledger backend for the report
type LedgerStatus struct {
	Backend             string        `json:"backend"`
	Reachable           bool          `json:"reachable"`
	Closed              bool          `json:"closed,omitempty"`
	PingLatency         time.Duration `json:"ping_latency"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	LastReachable       *time.Time    `json:"last_reachable,omitempty"`
}

// HealthReport represents the overall health report. Ledger is set when a
// ledger checker is registered; the service cannot serve any operation without it.
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Ledger    *LedgerStatus  `json:"ledger,omitempty"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker interface for health check implementations
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// CheckerFunc adapts a function to HealthChecker
type CheckerFunc func(ctx context.Context) HealthCheck

// Check calls f
func (f CheckerFunc) Check(ctx context.Context) HealthCheck { return f(ctx) }

// HealthManager manages health checks
type HealthManager struct {
	serviceName    string
	serviceVersion string
	checkers       map[string]HealthChecker
	mu             sync.RWMutex
	timeout        time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		checkers:       make(map[string]HealthChecker),
		timeout:        5 * time.Second,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetTimeout sets the timeout for each health check
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth runs every checker concurrently, each under its own timeout.
// Checks are reported in name order.
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = hm.checkers[name]
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	checks := make([]HealthCheck, len(names))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			check := checkers[i].Check(checkCtx)
			check.Name = names[i]
			check.LastChecked = start.UTC()
			check.Duration = time.Since(start)
			checks[i] = check
		}(i)
	}
	wg.Wait()

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Summary:   make(map[string]int),
	}
	for _, check := range checks {
		report.Summary[string(check.Status)]++
		if check.ledger != nil {
			report.Ledger = check.ledger
		}
		report.Status = worse(report.Status, check.Status)
	}
	return report
}

func worse(a, b HealthStatus) HealthStatus {
	rank := func(s HealthStatus) int {
		switch s {
		case HealthStatusHealthy:
			return 0
		case HealthStatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// HTTPHandler serves the health report. Only an unhealthy service answers 503
// so a degraded ledger keeps receiving traffic.
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// LedgerHealthChecker pings the ledger backend and tracks consecutive failures
type LedgerHealthChecker struct {
	pinger  ledger.Pinger
	backend string
	slow    time.Duration

	failures      atomic.Int64
	lastReachable atomic.Pointer[time.Time]
}

// NewLedgerHealthChecker creates a ledger health checker
func NewLedgerHealthChecker(pinger ledger.Pinger, backend string) *LedgerHealthChecker {
	return &LedgerHealthChecker{pinger: pinger, backend: backend, slow: DefaultSlowLedgerPing}
}

// SetSlowThreshold sets the ping latency above which the ledger is degraded
func (lhc *LedgerHealthChecker) SetSlowThreshold(d time.Duration) {
	lhc.slow = d
}

// Check pings the ledger
func (lhc *LedgerHealthChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()
	err := lhc.pinger.Ping(ctx)
	latency := time.Since(start)

	status := &LedgerStatus{Backend: lhc.backend, PingLatency: latency}
	check := HealthCheck{
		Details: map[string]interface{}{"backend": lhc.backend, "ping_latency_ms": latency.Milliseconds()},
		ledger:  status,
	}

	if err != nil {
		status.ConsecutiveFailures = lhc.failures.Add(1)
		status.LastReachable = lhc.lastReachable.Load()
		check.Status = HealthStatusUnhealthy
		switch {
		case errors.Is(err, ledger.ErrClosed):
			status.Closed = true
			check.Message = "Ledger store is closed"
		case errors.Is(err, context.DeadlineExceeded):
			check.Message = fmt.Sprintf("Ledger ping timed out after %s", latency.Round(time.Millisecond))
		default:
			check.Message = fmt.Sprintf("Ledger unavailable: %v", err)
		}
		return check
	}

	now := time.Now().UTC()
	lhc.failures.Store(0)
	lhc.lastReachable.Store(&now)
	status.Reachable = true
	status.LastReachable = &now

	if lhc.slow > 0 && latency > lhc.slow {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("Ledger responding slowly (%s)", latency.Round(time.Millisecond))
		return check
	}
	check.Status = HealthStatusHealthy
	check.Message = "Ledger reachable"
	return check
}
