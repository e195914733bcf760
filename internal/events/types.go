package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicLoop  = "loop"
	TopicStore = "store"
	TopicCrew  = "crew"
)

// Event type constants
const (
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskOutput         = "task.output"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeLoopStep           = "loop.step"
	EventTypeToolInvoked        = "loop.tool"
	EventTypeRepetitionDetected = "loop.repetition"
	EventTypeCorrection         = "loop.correction"
	EventTypeStoreProgress      = "store.progress"
	EventTypeCrewRound          = "crew.round"
)

// TaskStartedEvent is published when a worker claims a task.
type TaskStartedEvent struct {
	ID        string    `json:"task_id"`
	Name      string    `json:"name"`
	AgentRole string    `json:"agent_role"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of human-readable progress for a task.
type TaskOutputEvent struct {
	ID        string    `json:"task_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID         string        `json:"task_id"`
	AgentRole  string        `json:"agent_role"`
	Result     string        `json:"result"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID         string        `json:"task_id"`
	AgentRole  string        `json:"agent_role"`
	Reason     string        `json:"reason"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// LoopStepEvent is published for every decoded reasoning step.
type LoopStepEvent struct {
	ID          string    `json:"task_id"`
	AgentRole   string    `json:"agent_role"`
	Iteration   int       `json:"iteration"`
	Phase       string    `json:"phase"` // think, reflect or react
	Thought     string    `json:"thought"`
	Action      string    `json:"action,omitempty"`
	FinalAnswer string    `json:"final_answer,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e LoopStepEvent) EventType() string { return EventTypeLoopStep }
func (e LoopStepEvent) TaskID() string    { return e.ID }

// ToolInvokedEvent is published after every gateway call made by a loop.
type ToolInvokedEvent struct {
	ID        string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Tool      string    `json:"tool"`
	OK        bool      `json:"ok"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ToolInvokedEvent) EventType() string { return EventTypeToolInvoked }
func (e ToolInvokedEvent) TaskID() string    { return e.ID }

// RepetitionDetectedEvent is published when the repetition guard forces a
// corrective prompt.
type RepetitionDetectedEvent struct {
	ID        string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Repeats   int       `json:"repeats"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RepetitionDetectedEvent) EventType() string { return EventTypeRepetitionDetected }
func (e RepetitionDetectedEvent) TaskID() string    { return e.ID }

// CorrectionEvent is published when a loop rejects a step and re-prompts.
type CorrectionEvent struct {
	ID        string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e CorrectionEvent) EventType() string { return EventTypeCorrection }
func (e CorrectionEvent) TaskID() string    { return e.ID }

// StoreProgressEvent is published when task counts change.
type StoreProgressEvent struct {
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	InProgress int       `json:"in_progress"`
	Failed     int       `json:"failed"`
	Pending    int       `json:"pending"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e StoreProgressEvent) EventType() string { return EventTypeStoreProgress }
func (e StoreProgressEvent) TaskID() string    { return "" }

// CrewRoundEvent is published when the crew starts a round or a role step.
type CrewRoundEvent struct {
	Round     int       `json:"round"`
	Role      string    `json:"role"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e CrewRoundEvent) EventType() string { return EventTypeCrewRound }
func (e CrewRoundEvent) TaskID() string    { return "" }
