// Package react drives one task to a final answer by alternating oracle
// calls and tool dispatch. Two loop shapes share the same primitives: a
// simple thought/action/observation loop and a think-act-reflect loop.
package react

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/oracle"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/telemetry"
	"github.com/aristath/agentcrew/internal/tools"
)

var (
	ErrLoopCeilingExceeded = errors.New("loop ceiling exceeded")
	ErrLoopCancelled       = errors.New("loop cancelled")
	ErrSchemaValidation    = errors.New("schema validation failed")
	ErrFinalWithoutAction  = errors.New("final answer before any successful tool call")
)

// Defaults per loop shape.
const (
	DefaultReActIterations   = 15
	DefaultReflectIterations = 5
	DefaultRepetitionLimit   = 3
	DefaultCallTimeout       = 5 * time.Minute
)

// Action final statuses recorded by the reflect loop.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Runner drives one task. It never panics and never touches the task store;
// the caller turns the Outcome into a status transition.
type Runner interface {
	Run(ctx context.Context, task *scheduler.Task) Outcome
}

// Dispatcher is the tool gateway as seen by a loop.
type Dispatcher interface {
	Invoke(ctx context.Context, name string, args map[string]any) tools.Envelope
	Describe() []tools.Descriptor
}

// Outcome is the result of one loop run.
type Outcome struct {
	Record      any    // ReActRecord or ReflectRecord on success
	Answer      string // Final answer on success
	Iterations  int
	Corrections int // Corrective prompts issued, repetition included
	Err         error
}

// OK reports whether the loop reached an accepted final answer.
func (o Outcome) OK() bool { return o.Err == nil }

// ReActRecord is the success record of the simple loop.
type ReActRecord struct {
	TaskID        string `json:"task_id"`
	SuggestedTool string `json:"suggested_tool"`
	ActionResult  string `json:"action_result"`
	FinalThought  string `json:"final_thought"`
	FinalAnswer   string `json:"final_answer"`
}

// ReflectRecord is the success record of the think-act-reflect loop.
type ReflectRecord struct {
	TaskID            string `json:"task_id"`
	FinalThought      string `json:"final_thought"`
	Action            string `json:"action"`
	ActionResult      string `json:"action_result"`
	ActionFinalStatus string `json:"action_final_status"`
	FinalAnswer       string `json:"final_answer"`
}

// Deps are the collaborators shared by every loop of a run.
type Deps struct {
	Oracle  oracle.Client
	Tools   Dispatcher
	Bus     *events.EventBus   // Optional
	Metrics *telemetry.Metrics // Optional
	Logger  *slog.Logger       // Optional
}

// Options configure one role's loop.
type Options struct {
	Role            string
	Instructions    string // Role system prompt, prepended to every system prompt
	MaxIterations   int
	RepetitionLimit int
	RequireAction   bool
	CallTimeout     time.Duration // Bounds each oracle and tool call
}

// loop holds what both shapes share.
type loop struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func newLoop(deps Deps, opts Options, defaultIterations int) loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultIterations
	}
	if opts.RepetitionLimit <= 0 {
		opts.RepetitionLimit = DefaultRepetitionLimit
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return loop{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With("component", "react", "role", opts.Role),
	}
}

// detached returns a context that survives cancellation of ctx but is
// bounded by the call timeout. Cancellation is honoured between iterations.
func (l *loop) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.opts.CallTimeout)
}

// query calls the oracle and validates the reply against sh.
func (l *loop) query(ctx context.Context, sh shape, system, user string) (Step, error) {
	callCtx, cancel := l.detached(ctx)
	defer cancel()

	res, err := l.deps.Oracle.Query(callCtx, system, user)
	if err != nil {
		return Step{}, err
	}
	if err := sh.check(res.Fields); err != nil {
		return Step{}, err
	}
	return StepFromFields(res.Fields), nil
}

func (l *loop) invoke(ctx context.Context, name string, args map[string]any) tools.Envelope {
	callCtx, cancel := l.detached(ctx)
	defer cancel()
	return l.deps.Tools.Invoke(callCtx, name, args)
}

func (l *loop) descriptors() []tools.Descriptor {
	if l.deps.Tools == nil {
		return nil
	}
	return l.deps.Tools.Describe()
}

func (l *loop) cancelled(ctx context.Context, task *scheduler.Task, iteration int) (Outcome, bool) {
	if err := ctx.Err(); err != nil {
		l.logger.Info("loop cancelled", "task_id", task.ID, "iteration", iteration)
		return Outcome{Iterations: iteration - 1, Err: fmt.Errorf("%w: %w", ErrLoopCancelled, err)}, true
	}
	return Outcome{}, false
}

func (l *loop) exhausted(task *scheduler.Task, iterations, corrections int, last error) Outcome {
	err := fmt.Errorf("%w: %d iterations without an accepted final answer", ErrLoopCeilingExceeded, iterations)
	if last != nil {
		err = fmt.Errorf("%w: %d iterations without an accepted final answer: %w", ErrLoopCeilingExceeded, iterations, last)
	}
	l.logger.Warn("loop ceiling exceeded", "task_id", task.ID, "iterations", iterations, "error", last)
	return Outcome{Iterations: iterations, Corrections: corrections, Err: err}
}

func (l *loop) publishStep(task *scheduler.Task, iteration int, phase string, step Step) {
	l.deps.Bus.Publish(events.TopicLoop, events.LoopStepEvent{
		ID:          task.ID,
		AgentRole:   l.opts.Role,
		Iteration:   iteration,
		Phase:       phase,
		Thought:     step.Thought,
		Action:      step.Action,
		FinalAnswer: step.FinalAnswer,
		Timestamp:   time.Now(),
	})
}

func (l *loop) publishTool(task *scheduler.Task, iteration int, env tools.Envelope) {
	l.deps.Bus.Publish(events.TopicLoop, events.ToolInvokedEvent{
		ID:        task.ID,
		Iteration: iteration,
		Tool:      env.Tool,
		OK:        env.OK,
		ErrorKind: string(env.ErrorKind),
		Timestamp: time.Now(),
	})
}

func (l *loop) publishCorrection(task *scheduler.Task, iteration int, reason string) {
	l.deps.Bus.Publish(events.TopicLoop, events.CorrectionEvent{
		ID:        task.ID,
		Iteration: iteration,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}
