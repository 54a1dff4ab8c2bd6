// Package health aggregates component health checks and serves liveness
// and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CheckResult contains the result of a health check
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker defines the interface for health checks
type Checker interface {
	// Name returns the unique name of this health check
	Name() string

	// Check performs the health check and returns the result
	Check(ctx context.Context) CheckResult

	// IsCritical returns true if this check's failure should mark the
	// service as unhealthy
	IsCritical() bool

	// Timeout returns the maximum duration this check should take
	Timeout() time.Duration
}

// Report is the aggregate view over all registered checks.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checks on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager creates an empty health manager.
func NewManager() *Manager {
	return &Manager{checkers: make(map[string]Checker)}
}

// Register adds a checker. A later registration under the same name
// replaces the earlier one.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Check runs all registered checks and aggregates the result. A critical
// failure makes the whole report unhealthy and not ready; non-critical
// failures only degrade it.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]CheckResult, len(checkers)),
		Timestamp:  time.Now(),
	}

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
		result := c.Check(checkCtx)
		cancel()

		report.Components[c.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			if c.IsCritical() {
				report.Status = StatusUnhealthy
				report.Ready = false
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}
