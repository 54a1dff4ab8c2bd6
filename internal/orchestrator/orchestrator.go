// Package orchestrator runs the agent loop: classify the input, create a
// task, generate a plan, gate on approval when the intent demands it, and
// drive the plan's steps through the tool authority. One request is in
// flight at a time; a background sweep resumes tasks whose wait
// conditions have elapsed.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/intent"
	"github.com/canopyworks/agentd/internal/memory"
	"github.com/canopyworks/agentd/internal/metrics"
	"github.com/canopyworks/agentd/internal/planner"
	"github.com/canopyworks/agentd/internal/taskstore"
	"github.com/canopyworks/agentd/internal/tools"
)

// AgentResult is the outcome of one orchestrated request.
type AgentResult struct {
	Success bool                   `json:"success"`
	TaskID  string                 `json:"task_id"`
	Message string                 `json:"message"`
	Plan    *planner.ExecutionPlan `json:"plan,omitempty"`
	Data    map[string]any         `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Stats is the aggregate view across all core services.
type Stats struct {
	TasksByState   map[taskstore.State]int `json:"tasks_by_state"`
	Memory         memory.Stats            `json:"memory"`
	ToolExecutions int                     `json:"tool_executions"`
	ToolSuccesses  int                     `json:"tool_successes"`
}

// Orchestrator wires the core services together and owns the single-flight
// guard shared by request processing and the resumption sweep.
type Orchestrator struct {
	logger     *zap.Logger
	classifier *intent.Classifier
	engine     *planner.Engine
	store      *taskstore.Store
	memory     *memory.Manager
	authority  *tools.Authority
	actions    *actionRegistry

	busy atomic.Bool

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds an Orchestrator over already-constructed services.
func New(
	logger *zap.Logger,
	classifier *intent.Classifier,
	engine *planner.Engine,
	store *taskstore.Store,
	mem *memory.Manager,
	authority *tools.Authority,
) *Orchestrator {
	return &Orchestrator{
		logger:     logger,
		classifier: classifier,
		engine:     engine,
		store:      store,
		memory:     mem,
		authority:  authority,
		actions:    newActionRegistry(authority),
	}
}

func busyResult() AgentResult {
	metrics.RequestsBusy.Inc()
	return AgentResult{
		Success: false,
		Message: "Agent is currently processing another request",
		Error:   "busy",
	}
}

// ProcessInput runs the full agent loop for one user input. A second call
// while one is in flight is rejected immediately without creating a task.
func (o *Orchestrator) ProcessInput(ctx context.Context, input, userID string, autoExecute bool) AgentResult {
	if !o.busy.CompareAndSwap(false, true) {
		return busyResult()
	}
	defer o.busy.Store(false)

	o.logger.Info("Processing input",
		zap.String("user_id", userID),
		zap.Bool("auto_execute", autoExecute),
	)

	o.memory.AddToHistory(ctx, userID, "user", input, "")

	classified := o.classifier.Classify(input, nil)

	task, err := o.store.CreateTask(input, map[string]any{
		"userId":     userID,
		"intent":     string(classified.Type),
		"parameters": classified.Parameters,
	})
	if err != nil {
		return AgentResult{Success: false, Message: "Failed to create task", Error: err.Error()}
	}

	if err := o.store.Transition(task.ID, taskstore.StatePlanning, ""); err != nil {
		return AgentResult{Success: false, TaskID: task.ID, Message: "Failed to start planning", Error: err.Error()}
	}

	plan, err := o.engine.CreatePlan(string(classified.Type), input, classified.Parameters)
	if err != nil {
		_ = o.store.Transition(task.ID, taskstore.StateFailed, fmt.Sprintf("Planning failed: %v", err))
		return AgentResult{Success: false, TaskID: task.ID, Message: "Failed to generate plan", Error: err.Error()}
	}
	if err := o.store.AttachPlan(task.ID, plan); err != nil {
		return AgentResult{Success: false, TaskID: task.ID, Message: "Failed to attach plan", Error: err.Error()}
	}

	o.logger.Info("Plan generated",
		zap.String("task_id", task.ID),
		zap.String("plan_id", plan.ID),
		zap.Int("step_count", len(plan.Steps)),
	)

	if classified.RequiresHumanApproval && !autoExecute {
		if err := o.store.Transition(task.ID, taskstore.StateAwaitingApproval, ""); err != nil {
			return AgentResult{Success: false, TaskID: task.ID, Message: "Failed to await approval", Error: err.Error()}
		}

		response := fmt.Sprintf("Plan created for: %q\n\nSteps:\n%s\n\nRequires approval to execute.",
			input, formatPlanSteps(plan))
		o.memory.AddToHistory(ctx, userID, "agent", response, string(classified.Type))

		return AgentResult{
			Success: true,
			TaskID:  task.ID,
			Message: response,
			Plan:    plan.Clone(),
		}
	}

	if err := o.store.Transition(task.ID, taskstore.StateExecuting, ""); err != nil {
		return AgentResult{Success: false, TaskID: task.ID, Message: "Failed to start execution", Error: err.Error()}
	}

	result := o.executePlan(ctx, task, plan)

	o.memory.StoreContext(ctx, userID, "task_"+task.ID+"_result", result, memory.EntryHistory, "agent_execution", 1.0)

	var response string
	if result.Success {
		response = fmt.Sprintf("Task completed: %s\n\nResult: %s", input, result.Message)
	} else {
		response = fmt.Sprintf("Task failed: %s\n\nError: %s", input, result.Error)
	}
	o.memory.AddToHistory(ctx, userID, "agent", response, string(classified.Type))

	return AgentResult{
		Success: result.Success,
		TaskID:  task.ID,
		Message: response,
		Plan:    plan.Clone(),
		Data:    result.Data,
		Error:   result.Error,
	}
}

// ApproveAndExecute is the only path out of AWAITING_APPROVAL. It shares
// the single-flight guard with ProcessInput.
func (o *Orchestrator) ApproveAndExecute(ctx context.Context, taskID, userID string) AgentResult {
	if !o.busy.CompareAndSwap(false, true) {
		return busyResult()
	}
	defer o.busy.Store(false)

	task, err := o.store.Get(taskID)
	if err != nil {
		return AgentResult{Success: false, TaskID: taskID, Message: "Task not found", Error: "not_found"}
	}
	if task.State != taskstore.StateAwaitingApproval {
		return AgentResult{Success: false, TaskID: taskID, Message: "Task is not awaiting approval", Error: "invalid_state"}
	}
	if task.Plan == nil {
		return AgentResult{Success: false, TaskID: taskID, Message: "Task has no execution plan", Error: "no_plan"}
	}

	if err := o.store.Transition(taskID, taskstore.StateExecuting, "Approved by user"); err != nil {
		return AgentResult{Success: false, TaskID: taskID, Message: "Failed to start execution", Error: err.Error()}
	}

	plan := o.livePlan(task)
	result := o.executePlan(ctx, task, plan)

	o.memory.StoreContext(ctx, userID, "task_"+taskID+"_result", result, memory.EntryHistory, "agent_execution", 1.0)

	return AgentResult{
		Success: result.Success,
		TaskID:  taskID,
		Message: result.Message,
		Plan:    plan.Clone(),
		Data:    result.Data,
		Error:   result.Error,
	}
}

// livePlan resolves the engine's registered plan for a task snapshot,
// registering the snapshot's copy when the engine has none.
func (o *Orchestrator) livePlan(task *taskstore.Task) *planner.ExecutionPlan {
	plan, err := o.engine.GetPlan(task.Plan.ID)
	if err != nil {
		o.engine.Restore(task.Plan)
		return task.Plan
	}
	return plan
}

// CancelTask cancels a task that is not actively executing. Cancelling an
// EXECUTING task is refused so a plan never keeps dispatching steps for a
// task the state machine considers dead.
func (o *Orchestrator) CancelTask(taskID, reason string) error {
	task, err := o.store.Get(taskID)
	if err != nil {
		return err
	}
	if task.State == taskstore.StateExecuting {
		return fmt.Errorf("task %s is executing and cannot be cancelled", taskID)
	}
	return o.store.Transition(taskID, taskstore.StateCancelled, reason)
}

type planResult struct {
	Success bool
	Message string
	Data    map[string]any
	Error   string
}

// executePlan drives the plan's steps in dependency order, stopping at the
// first failure. No ready steps while some remain pending means the
// dependency graph is stuck; the task fails with a deadlock reason rather
// than hanging. Failover references on a failed step are recorded in the
// log only, never auto-invoked.
func (o *Orchestrator) executePlan(ctx context.Context, task *taskstore.Task, plan *planner.ExecutionPlan) planResult {
	o.logger.Info("Executing plan",
		zap.String("task_id", task.ID),
		zap.String("plan_id", plan.ID),
	)

	if err := o.engine.StartPlan(plan.ID); err != nil {
		o.logger.Warn("Plan start failed", zap.String("plan_id", plan.ID), zap.Error(err))
	}

	completedSteps := 0
	failedStep := ""

loop:
	for {
		nextSteps, err := o.engine.GetNextSteps(plan.ID)
		if err != nil {
			failedStep = plan.ID
			break
		}

		if len(nextSteps) == 0 {
			if plan.PendingCount() == 0 {
				break
			}
			failedStep = "dependency_deadlock"
			metrics.PlanDeadlocks.Inc()
			break
		}

		for _, step := range nextSteps {
			o.logger.Info("Executing step",
				zap.String("step_id", step.ID),
				zap.String("step_name", step.Name),
			)

			if err := o.engine.UpdateStepStatus(plan.ID, step.ID, planner.StepInProgress, nil, ""); err != nil {
				failedStep = step.ID
				break loop
			}

			data, err := o.actions.run(ctx, step.Action, step.Description, task.Context)
			if err != nil {
				_ = o.engine.UpdateStepStatus(plan.ID, step.ID, planner.StepFailed, nil, err.Error())
				metrics.StepsExecuted.WithLabelValues(step.Action, "failed").Inc()
				failedStep = step.ID

				o.logger.Error("Step failed",
					zap.String("task_id", task.ID),
					zap.String("step_id", step.ID),
					zap.Error(err),
				)
				if len(step.FailoverSteps) > 0 {
					o.logger.Info("Failover steps available",
						zap.String("step_id", step.ID),
						zap.Strings("failover_steps", step.FailoverSteps),
					)
				}
				break loop
			}

			_ = o.engine.UpdateStepStatus(plan.ID, step.ID, planner.StepCompleted, data, "")
			metrics.StepsExecuted.WithLabelValues(step.Action, "completed").Inc()
			completedSteps++
		}
	}

	if failedStep != "" {
		_ = o.engine.FinishPlan(plan.ID, planner.PlanFailed)
		// Write the executed plan back first so the terminal record
		// carries the step results.
		if err := o.store.AttachPlan(task.ID, plan); err != nil {
			o.logger.Warn("Failed to persist plan results", zap.String("task_id", task.ID), zap.Error(err))
		}
		if err := o.store.Transition(task.ID, taskstore.StateFailed, "Step failed: "+failedStep); err != nil {
			o.logger.Error("Failed to mark task failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return planResult{
			Success: false,
			Message: "Plan execution failed at step: " + failedStep,
			Error:   failedStep,
		}
	}

	_ = o.engine.FinishPlan(plan.ID, planner.PlanCompleted)
	if err := o.store.AttachPlan(task.ID, plan); err != nil {
		o.logger.Warn("Failed to persist plan results", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := o.store.Transition(task.ID, taskstore.StateCompleted, ""); err != nil {
		o.logger.Error("Failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
	}

	return planResult{
		Success: true,
		Message: fmt.Sprintf("Successfully completed %d steps", completedSteps),
		Data: map[string]any{
			"completed_steps": completedSteps,
			"total_steps":     len(plan.Steps),
		},
	}
}

// formatPlanSteps renders a plan as a numbered list for approval prompts.
func formatPlanSteps(plan *planner.ExecutionPlan) string {
	var b strings.Builder
	for i, step := range plan.Steps {
		fmt.Fprintf(&b, "%d. %s - %s (%s)\n", i+1, step.Name, step.Description, step.EstimatedDuration)
	}
	return strings.TrimRight(b.String(), "\n")
}

// GetTaskStatus returns the task record.
func (o *Orchestrator) GetTaskStatus(taskID string) (*taskstore.Task, error) {
	return o.store.Get(taskID)
}

// GetUserContextSummary renders the memory digest for a user.
func (o *Orchestrator) GetUserContextSummary(ctx context.Context, userID string) string {
	return o.memory.BuildContextSummary(ctx, userID)
}

// GetHistory returns the last limit conversation messages for a user.
func (o *Orchestrator) GetHistory(ctx context.Context, userID string, limit int) []memory.Message {
	return o.memory.GetHistory(ctx, userID, limit)
}

// GetStats aggregates task, memory, and tool statistics.
func (o *Orchestrator) GetStats(ctx context.Context) (Stats, error) {
	memStats, err := o.memory.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	total, succeeded := o.authority.ExecutionStats()
	return Stats{
		TasksByState:   o.store.StateCounts(),
		Memory:         memStats,
		ToolExecutions: total,
		ToolSuccesses:  succeeded,
	}, nil
}

// RestorePlans re-registers persisted plans with the planner after a
// restart so in-flight tasks can resume execution.
func (o *Orchestrator) RestorePlans() {
	restored := 0
	for _, task := range o.store.Active() {
		if task.Plan != nil {
			o.engine.Restore(task.Plan)
			restored++
		}
	}
	if restored > 0 {
		o.logger.Info("Restored plans for in-flight tasks", zap.Int("count", restored))
	}
}

// StartSweep launches the periodic resumption sweep. Calling it while a
// sweep is already running is a no-op.
func (o *Orchestrator) StartSweep(interval time.Duration) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()

	if o.sweepStop != nil {
		o.logger.Warn("Resumption sweep already running")
		return
	}
	o.sweepStop = make(chan struct{})
	o.sweepDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.resumeWaitingTasks(context.Background())
			case <-stop:
				return
			}
		}
	}(o.sweepStop, o.sweepDone)

	o.logger.Info("Resumption sweep started", zap.Duration("interval", interval))
}

// StopSweep halts the periodic sweep and waits for it to exit.
func (o *Orchestrator) StopSweep() {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()

	if o.sweepStop == nil {
		return
	}
	close(o.sweepStop)
	<-o.sweepDone
	o.sweepStop = nil
	o.sweepDone = nil
	o.logger.Info("Resumption sweep stopped")
}

// resumeWaitingTasks re-enters the execution loop for WAITING tasks whose
// time condition has elapsed. The shared single-flight guard keeps a
// sweep from interleaving with a request or with a previous sweep still
// in progress; a busy skip is safe because the next tick retries.
func (o *Orchestrator) resumeWaitingTasks(ctx context.Context) {
	if !o.busy.CompareAndSwap(false, true) {
		return
	}
	defer o.busy.Store(false)

	tasks := o.store.TasksToResume()
	if len(tasks) == 0 {
		return
	}
	o.logger.Info("Found tasks to resume", zap.Int("count", len(tasks)))

	for _, task := range tasks {
		if err := o.store.Transition(task.ID, taskstore.StateExecuting, "Wait condition met"); err != nil {
			o.logger.Error("Failed to resume task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		metrics.TasksResumed.Inc()

		if task.Plan == nil {
			_ = o.store.Transition(task.ID, taskstore.StateFailed, "No plan to resume")
			continue
		}
		o.executePlan(ctx, task, o.livePlan(task))
	}
}
