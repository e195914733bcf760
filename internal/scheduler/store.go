// Package scheduler holds the task store: an ordered collection of tasks with
// a forward-only status machine, dependency gating and an audit log.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("task status changed concurrently")
)

// TransitionFunc observes an effective status change.
type TransitionFunc func(tr Transition, task Task)

// UpsertFunc observes a task being added or having its description updated.
type UpsertFunc func(task Task)

// Store is an ordered collection of tasks. All methods are safe for
// concurrent use; selection always follows insertion order.
type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string
	audit  []Transition
	logger *slog.Logger
	now    func() time.Time

	hookMu       sync.RWMutex
	onTransition []TransitionFunc
	onUpsert     []UpsertFunc
}

// NewStore creates an empty store. logger may be nil.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tasks:  make(map[string]*Task),
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// OnTransition registers fn to run after every audited status change.
// Hooks run outside the store lock, in registration order.
func (s *Store) OnTransition(fn TransitionFunc) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onTransition = append(s.onTransition, fn)
}

// OnUpsert registers fn to run after a task is added or updated by Apply.
func (s *Store) OnUpsert(fn UpsertFunc) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onUpsert = append(s.onUpsert, fn)
}

// AddTask appends a task in pending status. The caller's value is copied.
func (s *Store) AddTask(task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		s.logger.Warn("duplicate task", "task_id", task.ID)
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}
	cp := cloneTask(task)
	cp.Status = StatusPending
	cp.Result, cp.Error = "", ""
	s.tasks[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	snapshot := *cloneTask(cp)
	s.mu.Unlock()

	s.notifyUpsert(snapshot)
	return nil
}

// Add appends a minimal pending task.
func (s *Store) Add(id, name string) error {
	return s.AddTask(&Task{ID: id, Name: name})
}

// Get returns a copy of the task with the given ID.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (s *Store) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, cloneTask(s.tasks[id]))
	}
	return tasks
}

// PendingFor returns, in insertion order, every task that is not completed,
// is assigned to role (any role when role is empty) and whose dependencies
// are all completed. The result includes in-progress and failed tasks;
// callers that execute work filter on StatusPending.
func (s *Store) PendingFor(role string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := []*Task{}
	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status == StatusCompleted {
			continue
		}
		if role != "" && task.AgentRole != role {
			continue
		}
		if !s.dependenciesMet(task) {
			continue
		}
		pending = append(pending, cloneTask(task))
	}
	return pending
}

// dependenciesMet reports whether every dependency exists and is completed.
// Caller must hold s.mu.
func (s *Store) dependenciesMet(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := s.tasks[depID]
		if !exists || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// HasPending reports whether any task is not completed.
func (s *Store) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, task := range s.tasks {
		if task.Status != StatusCompleted {
			return true
		}
	}
	return false
}

// SetStatus moves a task to status. Setting the current status again is a
// logged no-op and is not audited. reason is recorded on the transition and,
// for failed, as the task's error.
func (s *Store) SetStatus(id string, status TaskStatus, reason string) error {
	return s.transition(id, "", status, reason, nil)
}

// Complete marks an in-progress task completed and stores its result. The
// reason of an earlier failure stays on the task.
func (s *Store) Complete(id, result string) error {
	return s.transition(id, "", StatusCompleted, "completed", func(t *Task) {
		t.Result = result
	})
}

// Fail marks an in-progress task failed with reason.
func (s *Store) Fail(id, reason string) error {
	return s.transition(id, "", StatusFailed, reason, nil)
}

// ClaimTask moves a task from pending to in_progress only if it is still
// pending, and its dependencies are completed. A worker that loses the race
// gets ErrStatusConflict.
func (s *Store) ClaimTask(id string) (*Task, error) {
	var claimed *Task
	err := s.transition(id, StatusPending, StatusInProgress, "claimed", func(t *Task) {
		claimed = cloneTask(t)
	})
	if err != nil {
		return nil, err
	}
	claimed.Status = StatusInProgress
	return claimed, nil
}

// Reset returns a failed task to pending. It is the supervisor's operation;
// reasoning loops never call it.
func (s *Store) Reset(id, reason string) error {
	s.mu.Lock()
	task, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		s.logger.Error("reset of unknown task", "task_id", id)
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if task.Status != StatusFailed {
		from := task.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: reset requires failed, task %q is %s", ErrInvalidTransition, id, from)
	}
	tr, snapshot := s.applyLocked(task, StatusPending, reason)
	s.mu.Unlock()

	s.logger.Info("task reset", "task_id", id, "reason", reason)
	s.notifyTransition(tr, snapshot)
	return nil
}

// transition is the single mutation path for statuses. When expect is
// non-empty the change only happens if the task is currently in expect.
// mutate runs under the lock just before the status changes.
func (s *Store) transition(id string, expect, to TaskStatus, reason string, mutate func(*Task)) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	s.mu.Lock()
	task, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		s.logger.Error("status change for unknown task", "task_id", id, "status", to)
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}

	from := task.Status
	switch {
	case expect != "" && from != expect:
		s.mu.Unlock()
		return fmt.Errorf("%w: task %q is %s, expected %s", ErrStatusConflict, id, from, expect)
	case from == to:
		s.mu.Unlock()
		s.logger.Info("status unchanged", "task_id", id, "status", to)
		return nil
	case !canTransition(from, to):
		s.mu.Unlock()
		s.logger.Warn("rejected status change", "task_id", id, "from", from, "to", to)
		return fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, id, from, to)
	case to == StatusInProgress && !s.dependenciesMet(task):
		s.mu.Unlock()
		return fmt.Errorf("%w: task %q has unmet dependencies", ErrInvalidTransition, id)
	}

	if mutate != nil {
		mutate(task)
	}
	if to == StatusFailed {
		task.Error = reason
	}
	tr, snapshot := s.applyLocked(task, to, reason)
	s.mu.Unlock()

	s.logger.Debug("status changed", "task_id", id, "from", from, "to", to)
	s.notifyTransition(tr, snapshot)
	return nil
}

// Restore loads tasks and their audit history into an empty store, keeping
// saved statuses. Hooks do not run for the loaded state. A task saved as
// in_progress was cut off mid-run and is failed as interrupted.
func (s *Store) Restore(tasks []*Task, audit []Transition) error {
	s.mu.Lock()
	if len(s.tasks) > 0 {
		s.mu.Unlock()
		return errors.New("restore into a non-empty store")
	}
	var interrupted []string
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			continue
		}
		if _, exists := s.tasks[task.ID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
		}
		cp := cloneTask(task)
		if !cp.Status.Valid() {
			cp.Status = StatusPending
		}
		if cp.Status == StatusInProgress {
			interrupted = append(interrupted, cp.ID)
		}
		s.tasks[cp.ID] = cp
		s.order = append(s.order, cp.ID)
	}
	s.audit = append(s.audit, audit...)
	s.mu.Unlock()

	s.logger.Info("store restored", "tasks", len(s.order), "interrupted", len(interrupted))
	for _, id := range interrupted {
		if err := s.Fail(id, "interrupted"); err != nil {
			return err
		}
	}
	return nil
}

// applyLocked sets the status and appends the audit record. Caller must hold s.mu.
func (s *Store) applyLocked(task *Task, to TaskStatus, reason string) (Transition, Task) {
	tr := Transition{TaskID: task.ID, From: task.Status, To: to, Reason: reason, At: s.now()}
	task.Status = to
	s.audit = append(s.audit, tr)
	return tr, *cloneTask(task)
}

// Audit returns the transitions of one task, or of all tasks when id is empty.
func (s *Store) Audit(id string) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Transition{}
	for _, tr := range s.audit {
		if id == "" || tr.TaskID == id {
			out = append(out, tr)
		}
	}
	return out
}

// Progress returns task counts by status.
func (s *Store) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := Progress{Total: len(s.tasks)}
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		}
	}
	return p
}

// Validate checks that every dependency exists and the graph is acyclic.
// Returns task IDs in a dependency-respecting order.
func (s *Store) Validate() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graph := make(map[string][]string, len(s.tasks))
	for id, task := range s.tasks {
		graph[id] = task.DependsOn
	}
	return sortGraph(graph)
}

// sortGraph topologically sorts a task ID -> dependency IDs graph.
func sortGraph(graph map[string][]string) ([]string, error) {
	for taskID, deps := range graph {
		for _, depID := range deps {
			if _, exists := graph[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, deps := range graph {
		if len(deps) == 0 {
			// Root task: an edge from nil keeps it in the output.
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(graph) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		missing := []string{}
		for taskID := range graph {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("task graph contains cycle through: %s", strings.Join(missing, ", "))
	}

	return order, nil
}

func (s *Store) notifyTransition(tr Transition, task Task) {
	s.hookMu.RLock()
	hooks := append([]TransitionFunc(nil), s.onTransition...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(tr, task)
	}
}

func (s *Store) notifyUpsert(task Task) {
	s.hookMu.RLock()
	hooks := append([]UpsertFunc(nil), s.onUpsert...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(task)
	}
}
