package taskstore

import (
	"fmt"
	"time"

	"github.com/canopyworks/agentd/internal/planner"
)

// State is a task lifecycle state.
type State string

const (
	StateCreated          State = "created"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StatePaused           State = "paused"
	StateWaiting          State = "waiting"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// validTransitions is the directed transition table. Any edge not listed
// here is rejected. FAILED -> CREATED is the retry path; COMPLETED and
// CANCELLED are terminal.
var validTransitions = map[State][]State{
	StateCreated:          {StatePlanning, StateCancelled},
	StatePlanning:         {StateAwaitingApproval, StateExecuting, StateFailed, StateCancelled},
	StateAwaitingApproval: {StateExecuting, StateCancelled},
	StateExecuting:        {StatePaused, StateWaiting, StateCompleted, StateFailed, StateCancelled},
	StatePaused:           {StateExecuting, StateCancelled},
	StateWaiting:          {StateExecuting, StateCompleted, StateFailed, StateCancelled},
	StateFailed:           {StateCreated},
	StateCompleted:        {},
	StateCancelled:        {},
}

// Terminal reports the states that stamp CompletedAt and are eligible
// for cleanup. FAILED keeps its retry edge back to CREATED.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether the edge from s to to is in the table.
func (s State) CanTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError names a rejected state-machine edge.
type TransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// WaitType classifies a wait condition. Only time-based conditions are
// auto-resolved by the store; event and condition waits are resumed by
// the caller.
type WaitType string

const (
	WaitTime      WaitType = "time"
	WaitEvent     WaitType = "event"
	WaitCondition WaitType = "condition"
)

// Wait describes why a WAITING task is parked and when to recheck it.
type Wait struct {
	Type    WaitType   `json:"type"`
	Value   any        `json:"value"`
	CheckAt *time.Time `json:"check_at,omitempty"`
}

// HistoryEntry records one lifecycle transition. History is append-only
// and never truncated; it is the audit trail for the task.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Task is a stateful unit of work tracking one user goal through its
// lifecycle. A task exclusively owns at most one execution plan.
type Task struct {
	ID          string                 `json:"id"`
	Goal        string                 `json:"goal"`
	State       State                  `json:"state"`
	Plan        *planner.ExecutionPlan `json:"plan,omitempty"`
	Context     map[string]any         `json:"context"`
	Wait        *Wait                  `json:"wait_condition,omitempty"`
	History     []HistoryEntry         `json:"history"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}
