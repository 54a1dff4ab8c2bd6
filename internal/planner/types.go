package planner

import "time"

// StepStatus tracks the lifecycle of a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStatus tracks the lifecycle of a whole plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// ExecutionStep is an atomic unit of plan work. Dependencies reference
// step ids within the same plan; the registry guarantees the relation is
// acyclic before a template can be instantiated.
type ExecutionStep struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	Description       string     `json:"description" yaml:"description"`
	Action            string     `json:"action" yaml:"action"`
	Dependencies      []string   `json:"dependencies" yaml:"depends_on"`
	FailoverSteps     []string   `json:"failover_steps,omitempty" yaml:"failover_steps"`
	StopConditions    []string   `json:"stop_conditions,omitempty" yaml:"stop_conditions"`
	EstimatedDuration string     `json:"estimated_duration" yaml:"estimated_duration"`
	Status            StepStatus `json:"status" yaml:"-"`
	Result            any        `json:"result,omitempty" yaml:"-"`
	Error             string     `json:"error,omitempty" yaml:"-"`
}

// ExecutionPlan is a dependency graph of steps realizing one task's goal.
// A plan is owned by exactly one task and mutated in place as steps
// complete.
type ExecutionPlan struct {
	ID          string          `json:"id"`
	Intent      string          `json:"intent"`
	Goal        string          `json:"goal"`
	Steps       []ExecutionStep `json:"steps"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      PlanStatus      `json:"status"`
}

// Clone returns a deep copy of the plan. The engine mutates plans in
// place as steps advance; callers that hand a plan outward use a clone.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]ExecutionStep, len(p.Steps))
	for i, step := range p.Steps {
		step.Dependencies = append([]string(nil), step.Dependencies...)
		step.FailoverSteps = append([]string(nil), step.FailoverSteps...)
		step.StopConditions = append([]string(nil), step.StopConditions...)
		c.Steps[i] = step
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		c.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StepByID returns a pointer to the step with the supplied id, if present.
func (p *ExecutionPlan) StepByID(id string) *ExecutionStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// PendingCount returns the number of steps still pending.
func (p *ExecutionPlan) PendingCount() int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending {
			n++
		}
	}
	return n
}
