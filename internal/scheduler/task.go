package scheduler

import (
	"maps"
	"slices"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be claimed
	StatusInProgress TaskStatus = "in_progress" // Claimed by a worker
	StatusCompleted  TaskStatus = "completed"   // Finished successfully
	StatusFailed     TaskStatus = "failed"      // Finished with error
)

// Valid reports whether s is one of the four known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a task's run.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// forward lists the transitions SetStatus accepts. failed -> pending is only
// reachable through Reset.
var forward = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

func canTransition(from, to TaskStatus) bool {
	return slices.Contains(forward[from], to)
}

// Agent roles.
const (
	RolePlanner        = "planner"
	RoleProjectManager = "project_manager"
	RoleEngineer       = "engineer"
	RoleResearcher     = "researcher"
	RoleReviewer       = "reviewer"
	RoleToolInvoker    = "tool_invoker"
)

// Roles is the fixed role set, in crew order.
var Roles = []string{RolePlanner, RoleProjectManager, RoleResearcher, RoleEngineer, RoleToolInvoker, RoleReviewer}

// ValidRole reports whether role is in Roles.
func ValidRole(role string) bool {
	return slices.Contains(Roles, role)
}

// Task represents a unit of work.
type Task struct {
	ID                 string
	Name               string
	Description        string
	AcceptanceCriteria string
	AgentRole          string         // One of Roles
	Status             TaskStatus
	DependsOn          []string       // Task IDs that must be completed first
	ToolToUse          string         // Optional tool hint
	ProvidedInputs     map[string]any // Opaque inputs handed to the agent
	Result             string         // Output of the last successful run
	Error              string         // Reason of the last failure, kept after a successful rerun
}

// Transition is one audited status change.
type Transition struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
	At     time.Time
}

// Progress counts tasks by status.
type Progress struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.ProvidedInputs != nil {
		cp.ProvidedInputs = maps.Clone(task.ProvidedInputs)
	}
	return &cp
}
