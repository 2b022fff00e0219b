// Package health aggregates component health for the HTTP probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status values reported by checks and the overall response.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker is a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

type registeredCheck struct {
	checker  Checker
	critical bool
}

// HealthChecker runs registered checks concurrently. A failing critical
// check makes the service unhealthy; a failing optional one only degrades it.
type HealthChecker struct {
	config    Config
	startedAt time.Time

	mu       sync.RWMutex
	checks   map[string]registeredCheck
	statuses map[string]*CheckStatus
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse represents the full health response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &HealthChecker{
		config:    config,
		startedAt: time.Now(),
		checks:    make(map[string]registeredCheck),
		statuses:  make(map[string]*CheckStatus),
	}
}

// AddCheck registers a critical check.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddOptionalCheck registers a check whose failure only degrades the service.
func (h *HealthChecker) AddOptionalCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *HealthChecker) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{Name: name, Status: StatusUnknown, Critical: critical}
}

// RemoveCheck removes a health check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.statuses, name)
}

// Check performs all health checks and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]registeredCheck, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]*CheckStatus, len(checks)),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, c := range checks {
		wg.Add(1)
		go func(name string, c registeredCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{
				Name:      name,
				Status:    StatusHealthy,
				Critical:  c.critical,
				LastCheck: time.Now(),
			}
			if err := c.checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			response.Checks[name] = status
			if status.Status == StatusHealthy {
				return
			}
			if c.critical {
				response.Status = StatusUnhealthy
			} else if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}(name, c)
	}
	wg.Wait()

	h.mu.Lock()
	for name, status := range response.Checks {
		if _, ok := h.checks[name]; ok {
			h.statuses[name] = status
		}
	}
	h.mu.Unlock()

	return response
}

// HealthHandler serves the full report. Degraded still answers 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	writeResponse(w, response, response.Status != StatusUnhealthy)
}

// LivenessHandler answers 200 while the process is serving HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
	}, true)
}

// ReadinessHandler answers 200 when every critical check passes.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	writeResponse(w, response, response.Status != StatusUnhealthy)
}

func writeResponse(w http.ResponseWriter, response *HealthResponse, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// GetStatus returns the cached status of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// IsHealthy reports whether no check is failing.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status == StatusHealthy
}
