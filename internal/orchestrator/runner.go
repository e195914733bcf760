// Package orchestrator drives agents over the shared task store: per-role
// batches of tasks run in waves, and the crew loop around them plans, runs
// workers and reviews until every task is completed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentcrew/internal/config"
	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/react"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
	"github.com/aristath/agentcrew/internal/telemetry"
)

var (
	ErrBatchAborted    = errors.New("batch aborted after task failure")
	ErrNoRunner        = errors.New("no agent configured for role")
	ErrRoundsExhausted = errors.New("rounds exhausted with tasks still pending")
)

// TaskResult represents the outcome of one task execution.
type TaskResult struct {
	TaskID     string
	Success    bool
	Iterations int
	Duration   time.Duration
	Error      error
}

// Report summarises one Run call.
type Report struct {
	Role      string
	Results   []TaskResult
	Completed int
	Failed    int
}

func (r *Report) add(res TaskResult) {
	r.Results = append(r.Results, res)
	if res.Success {
		r.Completed++
	} else {
		r.Failed++
	}
}

// failureEntry is appended to a role's log when a task fails.
type failureEntry struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Options configures an Orchestrator. Zero values select the defaults.
type Options struct {
	Concurrency   int    // Tasks run at once within a wave (default 1, sequential)
	FailurePolicy string // config.FailureContinue (default) or config.FailureAbort
	Bus           *events.EventBus
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Orchestrator runs the pending tasks of one role at a time.
type Orchestrator struct {
	store   *scheduler.Store
	conv    *state.Conversation
	runners map[string]react.Runner
	opts    Options
	logger  *slog.Logger
}

// New creates an orchestrator over store and conv. runners maps roles to
// the loop that drives their tasks.
func New(store *scheduler.Store, conv *state.Conversation, runners map[string]react.Runner, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.FailureContinue
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		conv:    conv,
		runners: runners,
		opts:    opts,
		logger:  opts.Logger.With("component", "orchestrator"),
	}
}

// HasRunner reports whether role has a loop configured.
func (o *Orchestrator) HasRunner(role string) bool {
	_, ok := o.runners[role]
	return ok
}

// Run executes every runnable task of role. A task is runnable when it is
// pending and its dependencies are completed; tasks unblocked by a wave run
// in the next one. Task failures are recorded in the store and the
// conversation and do not make Run fail, unless the failure policy is
// abort, in which case no new task starts and ErrBatchAborted is returned.
func (o *Orchestrator) Run(ctx context.Context, role string) (Report, error) {
	report := Report{Role: role}

	if len(o.runnable(role)) == 0 {
		o.logger.Debug("no pending tasks", "role", role)
		return report, nil
	}
	runner, ok := o.runners[role]
	if !ok {
		return report, fmt.Errorf("%w: %q", ErrNoRunner, role)
	}

	var (
		mu      sync.Mutex
		aborted atomic.Bool
	)
	record := func(res TaskResult) {
		mu.Lock()
		report.add(res)
		mu.Unlock()
		if !res.Success && o.opts.FailurePolicy == config.FailureAbort {
			aborted.Store(true)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		wave := o.runnable(role)
		if len(wave) == 0 {
			break
		}

		if o.opts.Concurrency == 1 {
			for _, task := range wave {
				if aborted.Load() || ctx.Err() != nil {
					break
				}
				if res, ran := o.execute(ctx, runner, role, task.ID); ran {
					record(res)
				}
			}
		} else {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(o.opts.Concurrency)
			for _, task := range wave {
				id := task.ID
				g.Go(func() error {
					if aborted.Load() || gctx.Err() != nil {
						return nil
					}
					if res, ran := o.execute(gctx, runner, role, id); ran {
						record(res)
					}
					return nil // Task status is in the store, not the return value
				})
			}
			_ = g.Wait()
		}

		if aborted.Load() {
			o.logger.Warn("batch aborted", "role", role, "completed", report.Completed, "failed", report.Failed)
			return report, ErrBatchAborted
		}
	}

	o.logger.Info("role finished", "role", role, "completed", report.Completed, "failed", report.Failed)
	return report, nil
}

// runnable lists role's pending tasks whose dependencies are completed.
func (o *Orchestrator) runnable(role string) []*scheduler.Task {
	var out []*scheduler.Task
	for _, task := range o.store.PendingFor(role) {
		if task.Status == scheduler.StatusPending {
			out = append(out, task)
		}
	}
	return out
}

// execute claims one task, runs it and records the outcome. ran is false
// when another worker claimed the task first.
func (o *Orchestrator) execute(ctx context.Context, runner react.Runner, role, id string) (TaskResult, bool) {
	task, err := o.store.ClaimTask(id)
	if err != nil {
		o.logger.Debug("task not claimed", "task_id", id, "error", err)
		return TaskResult{}, false
	}

	o.opts.Bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Name,
		AgentRole: role,
		Timestamp: time.Now(),
	})
	o.opts.Metrics.TaskStarted()
	o.logger.Info("task started", "task_id", task.ID, "role", role)

	start := time.Now()
	out := safeRun(ctx, runner, task)
	elapsed := time.Since(start)

	res := TaskResult{TaskID: task.ID, Iterations: out.Iterations, Duration: elapsed}
	if out.OK() {
		res.Success = true
		o.complete(role, task, out, elapsed)
	} else {
		res.Error = out.Err
		o.fail(role, task, out, elapsed)
	}
	o.publishProgress()
	return res, true
}

func (o *Orchestrator) complete(role string, task *scheduler.Task, out react.Outcome, elapsed time.Duration) {
	if err := o.store.Complete(task.ID, out.Answer); err != nil {
		o.logger.Error("failed to mark task completed", "task_id", task.ID, "error", err)
	}
	if _, err := o.conv.AppendJSON(state.ResponseKey(role), role, task.ID, out.Record); err != nil {
		o.logger.Error("failed to record result", "task_id", task.ID, "error", err)
	}

	for _, line := range strings.Split(out.Answer, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		o.opts.Bus.Publish(events.TopicTask, events.TaskOutputEvent{ID: task.ID, Line: line, Timestamp: time.Now()})
	}
	o.opts.Bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:         task.ID,
		AgentRole:  role,
		Result:     out.Answer,
		Iterations: out.Iterations,
		Duration:   elapsed,
		Timestamp:  time.Now(),
	})
	o.opts.Metrics.TaskFinished(role, string(scheduler.StatusCompleted), elapsed)
	o.logger.Info("task completed", "task_id", task.ID, "role", role, "iterations", out.Iterations, "elapsed", elapsed)
}

func (o *Orchestrator) fail(role string, task *scheduler.Task, out react.Outcome, elapsed time.Duration) {
	reason := out.Err.Error()
	if err := o.store.Fail(task.ID, reason); err != nil {
		o.logger.Error("failed to mark task failed", "task_id", task.ID, "error", err)
	}
	entry := failureEntry{TaskID: task.ID, Status: string(scheduler.StatusFailed), Reason: reason}
	if _, err := o.conv.AppendJSON(state.ResponseKey(role), role, task.ID, entry); err != nil {
		o.logger.Error("failed to record failure", "task_id", task.ID, "error", err)
	}

	o.opts.Bus.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:         task.ID,
		AgentRole:  role,
		Reason:     reason,
		Iterations: out.Iterations,
		Duration:   elapsed,
		Timestamp:  time.Now(),
	})
	o.opts.Metrics.TaskFinished(role, string(scheduler.StatusFailed), elapsed)
	o.logger.Warn("task failed", "task_id", task.ID, "role", role, "iterations", out.Iterations, "error", out.Err)
}

func (o *Orchestrator) publishProgress() {
	p := o.store.Progress()
	o.opts.Bus.Publish(events.TopicStore, events.StoreProgressEvent{
		Total:      p.Total,
		Pending:    p.Pending,
		InProgress: p.InProgress,
		Completed:  p.Completed,
		Failed:     p.Failed,
		Timestamp:  time.Now(),
	})
}

// safeRun turns a panicking runner into a failed outcome.
func safeRun(ctx context.Context, runner react.Runner, task *scheduler.Task) (out react.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("runner panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			out = react.Outcome{Err: fmt.Errorf("runner panicked: %v", r)}
		}
	}()
	return runner.Run(ctx, task)
}
