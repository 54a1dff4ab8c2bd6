package health

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Pinger is anything that can confirm backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a Pinger as a health check. It covers the Redis
// memory backend and any other connection with a context Ping.
type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
	timeout  time.Duration
}

// NewPingChecker creates a checker over a Pinger.
func NewPingChecker(name string, pinger Pinger, critical bool) *PingChecker {
	return &PingChecker{
		name:     name,
		pinger:   pinger,
		critical: critical,
		timeout:  5 * time.Second,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: p.name,
		Critical:  p.critical,
		Timestamp: start,
	}

	err := p.pinger.Ping(ctx)
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
		return result
	}
	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = p.name + " responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = p.name + " healthy"
	return result
}

// DatabaseChecker checks the task database connection.
type DatabaseChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDatabaseChecker creates a database health checker.
func NewDatabaseChecker(db *sqlx.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db, timeout: 5 * time.Second}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: "database",
		Critical:  true,
		Timestamp: start,
	}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "database ping failed"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "database healthy"
	return result
}
