// Package tools gates every side-effecting action behind a risk-tiered
// approval check and records an audit trail of executions. All external
// I/O the agent performs must pass through the Authority.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/metrics"
)

// RiskLevel classifies how much damage a tool can do.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Capability describes a tool in the catalogue.
type Capability struct {
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	RequiresApproval bool      `json:"requires_approval"`
	RiskLevel        RiskLevel `json:"risk_level"`
}

// Result is the structured outcome of a tool invocation. Approval
// rejections and handler errors both come back as a failed Result, never
// as a panic or an error that aborts the caller.
type Result struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Handler executes a tool invocation.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ExecutionRecord is one audit log line.
type ExecutionRecord struct {
	Tool      string    `json:"tool"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

const maxAuditEntries = 1000

// Authority owns the tool catalogue, the approval set, and the audit log.
type Authority struct {
	logger *zap.Logger

	mu           sync.RWMutex
	capabilities map[string]Capability
	handlers     map[string]Handler
	approved     map[string]struct{}
	auditLog     []ExecutionRecord
}

// NewAuthority builds an Authority with the built-in catalogue and stub
// handlers registered.
func NewAuthority(logger *zap.Logger) *Authority {
	a := &Authority{
		logger:       logger,
		capabilities: make(map[string]Capability),
		handlers:     make(map[string]Handler),
		approved:     make(map[string]struct{}),
	}
	registerBuiltins(a)
	return a
}

// Register adds a capability and its handler to the catalogue. Later
// registrations under the same name replace earlier ones.
func (a *Authority) Register(cap Capability, handler Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capabilities[cap.Name] = cap
	a.handlers[cap.Name] = handler
}

// GrantApproval marks a tool as approved for autonomous use. Unknown
// tools are rejected.
func (a *Authority) GrantApproval(toolName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.capabilities[toolName]; !ok {
		return fmt.Errorf("unknown tool: %s", toolName)
	}
	a.approved[toolName] = struct{}{}
	a.logger.Info("Tool approval granted", zap.String("tool", toolName))
	return nil
}

// RevokeApproval withdraws a previously granted approval.
func (a *Authority) RevokeApproval(toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.approved, toolName)
	a.logger.Info("Tool approval revoked", zap.String("tool", toolName))
}

// IsApproved reports whether a tool may run. Low risk tools are always
// approved; anything else needs an explicit grant.
func (a *Authority) IsApproved(toolName string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isApprovedLocked(toolName)
}

func (a *Authority) isApprovedLocked(toolName string) bool {
	cap, ok := a.capabilities[toolName]
	if !ok {
		return false
	}
	if cap.RiskLevel == RiskLow {
		return true
	}
	_, granted := a.approved[toolName]
	return granted
}

// Execute runs a tool through the approval gate. Every attempt that
// reaches a handler lands in the audit log, success or not. An unknown
// tool name is a hard error.
func (a *Authority) Execute(ctx context.Context, toolName string, params map[string]any) (Result, error) {
	start := time.Now()

	a.mu.RLock()
	handler, known := a.handlers[toolName]
	approved := a.isApprovedLocked(toolName)
	a.mu.RUnlock()

	if !known {
		return Result{}, fmt.Errorf("unknown tool: %s", toolName)
	}

	a.logger.Info("Executing tool", zap.String("tool", toolName))

	if !approved {
		errMsg := fmt.Sprintf("Tool %s requires approval before execution", toolName)
		a.logger.Warn("Tool execution denied", zap.String("tool", toolName))
		metrics.ToolApprovalDenials.WithLabelValues(toolName).Inc()
		return Result{
			Success:  false,
			Error:    errMsg,
			Duration: time.Since(start),
		}, nil
	}

	data, err := handler(ctx, params)
	duration := time.Since(start)
	metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(float64(duration.Milliseconds()))

	if err != nil {
		a.recordExecution(toolName, false)
		metrics.ToolExecutions.WithLabelValues(toolName, "failure").Inc()
		a.logger.Error("Tool execution failed",
			zap.String("tool", toolName),
			zap.Error(err),
		)
		return Result{
			Success:  false,
			Error:    err.Error(),
			Duration: duration,
		}, nil
	}

	a.recordExecution(toolName, true)
	metrics.ToolExecutions.WithLabelValues(toolName, "success").Inc()
	a.logger.Info("Tool executed",
		zap.String("tool", toolName),
		zap.Duration("duration", duration),
	)
	return Result{
		Success:  true,
		Data:     data,
		Duration: duration,
	}, nil
}

// recordExecution appends to the bounded audit log.
func (a *Authority) recordExecution(toolName string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.auditLog = append(a.auditLog, ExecutionRecord{
		Tool:      toolName,
		Timestamp: time.Now(),
		Success:   success,
	})
	if len(a.auditLog) > maxAuditEntries {
		a.auditLog = a.auditLog[len(a.auditLog)-maxAuditEntries:]
	}
}

// ExecutionHistory returns a copy of the audit log, oldest first.
func (a *Authority) ExecutionHistory() []ExecutionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ExecutionRecord, len(a.auditLog))
	copy(out, a.auditLog)
	return out
}

// AvailableTools returns the capability catalogue.
func (a *Authority) AvailableTools() []Capability {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Capability, 0, len(a.capabilities))
	for _, cap := range a.capabilities {
		out = append(out, cap)
	}
	return out
}

// ExecutionStats summarizes the audit log for the aggregate stats query.
func (a *Authority) ExecutionStats() (total int, succeeded int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, rec := range a.auditLog {
		total++
		if rec.Success {
			succeeded++
		}
	}
	return total, succeeded
}
