package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/intent"
	"github.com/canopyworks/agentd/internal/memory"
	"github.com/canopyworks/agentd/internal/planner"
	"github.com/canopyworks/agentd/internal/taskstore"
	"github.com/canopyworks/agentd/internal/tools"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := zap.NewNop()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	mem, err := memory.NewManager(mr.Addr(), "", logger)
	if err != nil {
		t.Fatalf("failed to create memory manager: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	store, err := taskstore.NewStore(filepath.Join(t.TempDir(), "tasks.db"), logger)
	if err != nil {
		t.Fatalf("failed to create task store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := planner.NewEngine(logger)
	if err != nil {
		t.Fatalf("failed to create planner: %v", err)
	}

	return New(logger, intent.NewClassifier(logger), engine, store, mem, tools.NewAuthority(logger))
}

func TestDisputeRequiresApprovalBeforeExecuting(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result := o.ProcessInput(ctx, "file a dispute against Acme Bank for an inaccurate charge", "user-1", false)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Plan == nil || len(result.Plan.Steps) != 7 {
		t.Fatalf("expected 7-step dispute plan, got %+v", result.Plan)
	}
	if result.Plan.Steps[0].ID != "verify_facts" {
		t.Errorf("expected first step verify_facts, got %s", result.Plan.Steps[0].ID)
	}

	// The plan in the result is a copy; callers cannot reach the one the
	// engine executes.
	result.Plan.Steps[0].Status = planner.StepCompleted
	live, err := o.engine.GetPlan(result.Plan.ID)
	if err != nil {
		t.Fatalf("plan lookup failed: %v", err)
	}
	if live.Steps[0].Status != planner.StepPending {
		t.Errorf("mutating the result plan reached the engine: %s", live.Steps[0].Status)
	}

	task, err := o.GetTaskStatus(result.TaskID)
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	if task.State != taskstore.StateAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", task.State)
	}

	// The task never reaches EXECUTING without an explicit approval.
	for _, h := range task.History {
		if h.State == taskstore.StateExecuting {
			t.Fatal("task reached EXECUTING without approval")
		}
	}
}

func TestApproveAndExecuteCompletesPlan(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result := o.ProcessInput(ctx, "file a dispute about an unauthorized fee", "user-1", false)
	if !result.Success {
		t.Fatalf("process failed: %q", result.Error)
	}

	// The log_case step writes through the tool authority.
	if err := o.authority.GrantApproval("database_write"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	approved := o.ApproveAndExecute(ctx, result.TaskID, "user-1")
	if !approved.Success {
		t.Fatalf("expected approved execution to succeed: %q", approved.Error)
	}

	task, _ := o.GetTaskStatus(result.TaskID)
	if task.State != taskstore.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.State)
	}
	for _, step := range task.Plan.Steps {
		if step.Status != planner.StepCompleted {
			t.Errorf("step %s not completed: %s", step.ID, step.Status)
		}
	}
}

func TestUnapprovedToolFailsTaskWithStepReason(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result := o.ProcessInput(ctx, "file a dispute about an unauthorized fee", "user-1", false)
	if !result.Success {
		t.Fatalf("process failed: %q", result.Error)
	}

	// database_write was never granted, so log_case fails mid-plan.
	approved := o.ApproveAndExecute(ctx, result.TaskID, "user-1")
	if approved.Success {
		t.Fatal("expected execution to fail at log_case")
	}
	if approved.Error != "log_case" {
		t.Errorf("expected failing step log_case, got %q", approved.Error)
	}

	task, _ := o.GetTaskStatus(result.TaskID)
	if task.State != taskstore.StateFailed {
		t.Fatalf("expected FAILED, got %s", task.State)
	}
	last := task.History[len(task.History)-1]
	if !strings.Contains(last.Reason, "log_case") {
		t.Errorf("expected failure reason to name log_case, got %q", last.Reason)
	}

	// schedule_followup depends on log_case and must stay pending.
	if step := task.Plan.StepByID("schedule_followup"); step.Status != planner.StepPending {
		t.Errorf("expected schedule_followup pending, got %s", step.Status)
	}
}

func TestAutoExecuteSkipsApprovalGate(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.authority.GrantApproval("database_write"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	result := o.ProcessInput(ctx, "file a dispute about an unauthorized fee", "user-1", true)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}

	task, _ := o.GetTaskStatus(result.TaskID)
	if task.State != taskstore.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.State)
	}
}

func TestBusyGuardRejectsWithoutCreatingTask(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	o.busy.Store(true)
	result := o.ProcessInput(ctx, "look into my bill", "user-1", false)
	o.busy.Store(false)

	if result.Success {
		t.Fatal("expected rejection while busy")
	}
	if result.Error != "busy" {
		t.Errorf("expected error busy, got %q", result.Error)
	}
	if result.TaskID != "" {
		t.Errorf("busy rejection must not name a task, got %s", result.TaskID)
	}
	if got := len(o.store.All()); got != 0 {
		t.Errorf("busy rejection must not create tasks, found %d", got)
	}
}

func TestDependencyDeadlockFailsTask(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	// A plan whose only pending step depends on a skipped one can never
	// become ready.
	plan := &planner.ExecutionPlan{
		ID:     "plan_stuck",
		Intent: "execute",
		Goal:   "stuck goal",
		Steps: []planner.ExecutionStep{
			{ID: "a", Name: "A", Action: "execute", Status: planner.StepSkipped},
			{ID: "b", Name: "B", Action: "execute", Dependencies: []string{"a"}, Status: planner.StepPending},
		},
		CreatedAt: time.Now(),
		Status:    planner.PlanDraft,
	}
	o.engine.Restore(plan)

	task, err := o.store.CreateTask("stuck goal", map[string]any{"userId": "user-1"})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if err := o.store.AttachPlan(task.ID, plan); err != nil {
		t.Fatalf("attach plan failed: %v", err)
	}
	if err := o.store.Transition(task.ID, taskstore.StatePlanning, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := o.store.Transition(task.ID, taskstore.StateExecuting, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	result := o.executePlan(ctx, task, plan)
	if result.Success {
		t.Fatal("expected deadlock failure")
	}
	if result.Error != "dependency_deadlock" {
		t.Errorf("expected dependency_deadlock, got %q", result.Error)
	}

	got, _ := o.store.Get(task.ID)
	if got.State != taskstore.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
}

func TestCancelTaskRefusedWhileExecuting(t *testing.T) {
	o := newTestOrchestrator(t)

	task, err := o.store.CreateTask("some goal", nil)
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if err := o.store.Transition(task.ID, taskstore.StatePlanning, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := o.store.Transition(task.ID, taskstore.StateExecuting, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if err := o.CancelTask(task.ID, "changed my mind"); err == nil {
		t.Fatal("expected cancel to be refused while executing")
	}

	if err := o.store.Transition(task.ID, taskstore.StatePaused, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := o.CancelTask(task.ID, "changed my mind"); err != nil {
		t.Fatalf("expected cancel from PAUSED to succeed: %v", err)
	}
}

func TestResumeWaitingTasks(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	// A task parked in WAITING with all plan work already done.
	plan := &planner.ExecutionPlan{
		ID:     "plan_parked",
		Intent: "execute",
		Goal:   "send the reminder",
		Steps: []planner.ExecutionStep{
			{ID: "prepare", Name: "Prepare", Action: "execute", Status: planner.StepCompleted},
		},
		CreatedAt: time.Now(),
		Status:    planner.PlanActive,
	}
	o.engine.Restore(plan)

	task, err := o.store.CreateTask("send the reminder", map[string]any{"userId": "user-1"})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if err := o.store.AttachPlan(task.ID, plan); err != nil {
		t.Fatalf("attach plan failed: %v", err)
	}
	for _, state := range []taskstore.State{taskstore.StatePlanning, taskstore.StateExecuting, taskstore.StateWaiting} {
		if err := o.store.Transition(task.ID, state, ""); err != nil {
			t.Fatalf("transition to %s failed: %v", state, err)
		}
	}
	checkAt := time.Now().Add(-1 * time.Minute)
	if err := o.store.SetWait(task.ID, taskstore.WaitTime, "5m", &checkAt); err != nil {
		t.Fatalf("set wait failed: %v", err)
	}

	o.resumeWaitingTasks(ctx)

	got, _ := o.store.Get(task.ID)
	if got.State != taskstore.StateCompleted {
		t.Fatalf("expected resumed task to complete, got %s", got.State)
	}
}

func TestStatusReadsDuringExecution(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.authority.GrantApproval("database_write"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	// Poll and serialize task records the way the status endpoints do
	// while a plan executes.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, task := range o.store.All() {
				if _, err := json.Marshal(task); err != nil {
					t.Errorf("marshal task during execution: %v", err)
					return
				}
			}
		}
	}()

	result := o.ProcessInput(ctx, "file a dispute about an unauthorized fee", "user-1", true)
	close(stop)
	wg.Wait()

	if !result.Success {
		t.Fatalf("process failed: %q", result.Error)
	}
	task, _ := o.GetTaskStatus(result.TaskID)
	if task.State != taskstore.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.State)
	}
}

func TestGetStatsAggregates(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result := o.ProcessInput(ctx, "run the report job", "user-1", true)
	if !result.Success {
		t.Fatalf("process failed: %q", result.Error)
	}

	stats, err := o.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TasksByState[taskstore.StateCompleted] != 1 {
		t.Errorf("expected 1 completed task, got %+v", stats.TasksByState)
	}
	if stats.Memory.TotalUsers != 1 {
		t.Errorf("expected 1 user in memory, got %d", stats.Memory.TotalUsers)
	}
}

func TestSweepStartStopIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)

	o.StartSweep(10 * time.Millisecond)
	o.StartSweep(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	o.StopSweep()
	o.StopSweep()
}
