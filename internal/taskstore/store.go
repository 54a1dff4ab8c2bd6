// Package taskstore owns task entities, their validated lifecycle state
// machine, and durable persistence. Tasks live in memory and are written
// through to an embedded SQLite database after every mutation, one row
// per task, so AWAITING_APPROVAL and WAITING tasks survive restarts.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/metrics"
	"github.com/canopyworks/agentd/internal/planner"
)

// ErrTaskNotFound is returned when a task id is unknown.
var ErrTaskNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	wait_check_at TIMESTAMP,
	doc           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_wait_check_at ON tasks(wait_check_at);
`

// Store manages task state with write-through SQLite persistence. Every
// Task the store hands out is a detached copy decoded from the persisted
// document; callers can read and serialize it while the live task keeps
// advancing.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
	docs  map[string][]byte
}

// NewStore opens (or creates) the backing database at path and loads all
// persisted tasks into memory.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply task schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		tasks:  make(map[string]*Task),
		docs:   make(map[string][]byte),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var docs []string
	if err := s.db.Select(&docs, `SELECT doc FROM tasks`); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, doc := range docs {
		var task Task
		if err := json.Unmarshal([]byte(doc), &task); err != nil {
			s.logger.Error("Skipping corrupt task record", zap.Error(err))
			continue
		}
		s.tasks[task.ID] = &task
		s.docs[task.ID] = []byte(doc)
		metrics.TasksByState.WithLabelValues(string(task.State)).Inc()
	}
	s.logger.Info("Task state loaded", zap.Int("task_count", len(s.tasks)))
	return nil
}

// CreateTask creates a task in state CREATED with seeded history.
func (s *Store) CreateTask(goal string, context map[string]any) (*Task, error) {
	if context == nil {
		context = make(map[string]any)
	}
	now := time.Now()
	task := &Task{
		ID:        "task_" + uuid.New().String(),
		Goal:      goal,
		State:     StateCreated,
		Context:   context,
		History:   []HistoryEntry{{State: StateCreated, Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.persist(task)
	snap := s.snapshotLocked(task.ID)
	s.mu.Unlock()
	if snap == nil {
		return nil, fmt.Errorf("encode task %s: context not serializable", task.ID)
	}

	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("goal", truncate(goal, 100)),
	)
	metrics.TasksCreated.Inc()
	metrics.TasksByState.WithLabelValues(string(StateCreated)).Inc()

	return snap, nil
}

// Transition validates the edge from the task's current state to
// newState, applies it, appends to history, and persists. On entry to a
// terminal state the completion timestamp is stamped. Invalid edges are
// rejected with a TransitionError and leave the task untouched.
func (s *Store) Transition(taskID string, newState State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	oldState := task.State
	if !oldState.CanTransition(newState) {
		metrics.TaskTransitionsRejected.Inc()
		return &TransitionError{TaskID: taskID, From: oldState, To: newState}
	}

	now := time.Now()
	task.State = newState
	task.UpdatedAt = now
	task.History = append(task.History, HistoryEntry{State: newState, Timestamp: now, Reason: reason})
	if newState.Terminal() {
		task.CompletedAt = &now
		metrics.TaskDuration.Observe(now.Sub(task.CreatedAt).Seconds())
	}
	s.persist(task)

	s.logger.Info("Task transitioned",
		zap.String("task_id", taskID),
		zap.String("from", string(oldState)),
		zap.String("to", string(newState)),
		zap.String("reason", reason),
	)
	metrics.TaskTransitions.WithLabelValues(string(oldState), string(newState)).Inc()
	metrics.TasksByState.WithLabelValues(string(oldState)).Dec()
	metrics.TasksByState.WithLabelValues(string(newState)).Inc()

	return nil
}

// SetWait arms a resumable wait condition on a task.
func (s *Store) SetWait(taskID string, waitType WaitType, value any, checkAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Wait = &Wait{Type: waitType, Value: value, CheckAt: checkAt}
	task.UpdatedAt = time.Now()
	s.persist(task)

	s.logger.Info("Wait condition set",
		zap.String("task_id", taskID),
		zap.String("type", string(waitType)),
	)
	return nil
}

// TasksToResume returns WAITING tasks whose time-based wait has elapsed.
// Event and condition waits are intentionally never auto-resolved here.
func (s *Store) TasksToResume() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var due []*Task
	for id, task := range s.tasks {
		if task.State != StateWaiting || task.Wait == nil {
			continue
		}
		if task.Wait.Type == WaitTime && task.Wait.CheckAt != nil && !task.Wait.CheckAt.After(now) {
			if snap := s.snapshotLocked(id); snap != nil {
				due = append(due, snap)
			}
		}
	}
	return due
}

// AttachPlan attaches an execution plan to a task and persists it. A
// task owns at most one plan; re-attaching after step execution makes
// the step results durable.
func (s *Store) AttachPlan(taskID string, plan *planner.ExecutionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Plan = plan
	task.UpdatedAt = time.Now()
	s.persist(task)
	return nil
}

// UpdateContext merges the given keys into the task context.
func (s *Store) UpdateContext(taskID string, context map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	for k, v := range context {
		task.Context[k] = v
	}
	task.UpdatedAt = time.Now()
	s.persist(task)
	return nil
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Get returns a detached copy of the task with the given id.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	snap := s.snapshotLocked(taskID)
	if snap == nil {
		return nil, fmt.Errorf("decode task %s", taskID)
	}
	return snap, nil
}

// All returns a detached copy of every task in the store.
func (s *Store) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for id := range s.tasks {
		if snap := s.snapshotLocked(id); snap != nil {
			tasks = append(tasks, snap)
		}
	}
	return tasks
}

// ByState returns all tasks currently in the given state.
func (s *Store) ByState(state State) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*Task
	for id, t := range s.tasks {
		if t.State == state {
			if snap := s.snapshotLocked(id); snap != nil {
				tasks = append(tasks, snap)
			}
		}
	}
	return tasks
}

// Active returns all tasks that have not reached a terminal state.
func (s *Store) Active() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*Task
	for id, t := range s.tasks {
		if !t.State.Terminal() {
			if snap := s.snapshotLocked(id); snap != nil {
				tasks = append(tasks, snap)
			}
		}
	}
	return tasks
}

// snapshotLocked decodes the persisted document into a fresh Task.
// Callers hold at least the read lock. The decode detaches the result
// from the live task, so handing it out cannot race later mutations.
func (s *Store) snapshotLocked(taskID string) *Task {
	doc, ok := s.docs[taskID]
	if !ok {
		return nil
	}
	var task Task
	if err := json.Unmarshal(doc, &task); err != nil {
		s.logger.Error("Failed to decode task snapshot", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	return &task
}

// StateCounts returns the number of tasks per state.
func (s *Store) StateCounts() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int)
	for _, t := range s.tasks {
		counts[t.State]++
	}
	return counts
}

// CleanupOld deletes terminal tasks whose completion is older than the
// cutoff and returns how many were removed.
func (s *Store) CleanupOld(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			delete(s.docs, id)
			if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
				s.logger.Error("Failed to delete task row", zap.String("task_id", id), zap.Error(err))
			}
			metrics.TasksByState.WithLabelValues(string(task.State)).Dec()
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Old tasks cleaned up", zap.Int("removed", removed))
	}
	return removed
}

// persist writes the task row and refreshes the snapshot document.
// Callers must hold the write lock. A failed write is logged and does
// not roll back the in-memory mutation; the upsert itself is
// transactional so a crash mid-write cannot corrupt other rows.
func (s *Store) persist(task *Task) {
	doc, err := json.Marshal(task)
	if err != nil {
		s.logger.Error("Failed to marshal task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.docs[task.ID] = doc

	var waitCheckAt *time.Time
	if task.Wait != nil {
		waitCheckAt = task.Wait.CheckAt
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, state, updated_at, wait_check_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			wait_check_at = excluded.wait_check_at,
			doc = excluded.doc`,
		task.ID, string(task.State), task.UpdatedAt, waitCheckAt, string(doc),
	)
	if err != nil {
		s.logger.Error("Failed to persist task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
