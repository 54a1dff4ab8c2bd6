// Package planner turns classified intents into execution plans: step
// graphs with dependencies and failover slots. The engine keeps plan
// state but never executes steps itself.
package planner

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/metrics"
)

const genericTemplate = "generic"

// ErrPlanNotFound is returned when a plan id is unknown.
var ErrPlanNotFound = fmt.Errorf("plan not found")

// Engine instantiates plans from the template catalogue and tracks their
// step state.
type Engine struct {
	logger    *zap.Logger
	templates map[string]*Template

	mu    sync.RWMutex
	plans map[string]*ExecutionPlan
}

// NewEngine loads and validates the embedded template catalogue.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("load plan templates: %w", err)
	}
	logger.Info("Plan templates loaded", zap.Int("count", len(templates)))
	return &Engine{
		logger:    logger,
		templates: templates,
		plans:     make(map[string]*ExecutionPlan),
	}, nil
}

// CreatePlan instantiates the template for the given intent type. Intents
// without a dedicated template fall back to the generic two-step plan.
func (e *Engine) CreatePlan(intentType, goal string, parameters map[string]any) (*ExecutionPlan, error) {
	tpl, ok := e.templates[intentType]
	if !ok {
		tpl = e.templates[genericTemplate]
	}

	steps := make([]ExecutionStep, len(tpl.Steps))
	for i, s := range tpl.Steps {
		step := s
		step.Dependencies = append([]string(nil), s.Dependencies...)
		step.FailoverSteps = append([]string(nil), s.FailoverSteps...)
		step.StopConditions = append([]string(nil), s.StopConditions...)
		step.Description = strings.ReplaceAll(s.Description, "{{goal}}", goal)
		step.Status = StepPending
		steps[i] = step
	}

	plan := &ExecutionPlan{
		ID:        "plan_" + uuid.New().String(),
		Intent:    intentType,
		Goal:      goal,
		Steps:     steps,
		CreatedAt: time.Now(),
		Status:    PlanDraft,
	}

	e.mu.Lock()
	e.plans[plan.ID] = plan
	e.mu.Unlock()

	e.logger.Info("Execution plan created",
		zap.String("plan_id", plan.ID),
		zap.String("intent", intentType),
		zap.Int("step_count", len(steps)),
		zap.String("goal", truncate(goal, 100)),
	)
	metrics.PlansCreated.WithLabelValues(intentType).Inc()

	return plan, nil
}

// GetPlan returns the plan with the given id.
func (e *Engine) GetPlan(planID string) (*ExecutionPlan, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	plan, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan, nil
}

// Restore re-registers a plan loaded from the task store so step updates
// and readiness queries work after a process restart.
func (e *Engine) Restore(plan *ExecutionPlan) {
	if plan == nil {
		return
	}
	e.mu.Lock()
	e.plans[plan.ID] = plan
	e.mu.Unlock()
}

// GetNextSteps returns copies of all pending steps whose dependencies are
// all completed. Dependency satisfaction is the sole readiness rule.
func (e *Engine) GetNextSteps(planID string) ([]ExecutionStep, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	plan, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	var ready []ExecutionStep
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status != StepPending {
			continue
		}
		if e.dependenciesMet(plan, step) {
			ready = append(ready, *step)
		}
	}
	return ready, nil
}

func (e *Engine) dependenciesMet(plan *ExecutionPlan, step *ExecutionStep) bool {
	for _, dep := range step.Dependencies {
		depStep := plan.StepByID(dep)
		if depStep == nil || depStep.Status != StepCompleted {
			return false
		}
	}
	return true
}

// UpdateStepStatus mutates a step in place. This is the only way plan
// state advances.
func (e *Engine) UpdateStepStatus(planID, stepID string, status StepStatus, result any, stepErr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	step := plan.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("step not found: %s in plan %s", stepID, planID)
	}

	step.Status = status
	if result != nil {
		step.Result = result
	}
	if stepErr != "" {
		step.Error = stepErr
	}

	e.logger.Debug("Step status updated",
		zap.String("plan_id", planID),
		zap.String("step_id", stepID),
		zap.String("status", string(status)),
		zap.Bool("has_error", stepErr != ""),
	)
	return nil
}

// StartPlan marks a plan active and stamps its start time.
func (e *Engine) StartPlan(planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	now := time.Now()
	if plan.StartedAt == nil {
		plan.StartedAt = &now
	}
	plan.Status = PlanActive
	return nil
}

// FinishPlan stamps the completion time and final status of a plan.
func (e *Engine) FinishPlan(planID string, status PlanStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	now := time.Now()
	plan.CompletedAt = &now
	plan.Status = status
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
