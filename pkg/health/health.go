package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker manages health checks
type HealthChecker struct {
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: 2 * time.Second,
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Report is the JSON body served by Handler.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Status `json:"checks"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Handler serves the aggregated report; any failing check answers 503.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hc.timeout)
		defer cancel()

		report := Report{Status: StatusUp, Checks: make(map[string]Status)}
		for name, err := range hc.Check(ctx) {
			if err != nil {
				report.Status = StatusDown
				report.Checks[name] = StatusDown
				if report.Errors == nil {
					report.Errors = make(map[string]string)
				}
				report.Errors[name] = err.Error()
				continue
			}
			report.Checks[name] = StatusUp
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
