package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/oracle"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
)

// DefaultMaxRounds bounds a crew run when no limit is configured.
const DefaultMaxRounds = 5

const taskListFormat = `Reply with one JSON object and nothing else:
{"tasks": [{"task_id": "T1", "task_name": "...", "task_description": "...",
  "agent": "researcher|engineer|tool_invoker|reviewer", "depends_on": ["..."],
  "acceptance_criteria": "...", "tool_to_use": "...", "provided_inputs": {}}]}
Keep the ids of tasks that already exist. To retry a failed task, list it again with "status": "pending".`

// Advisor is a single-call agent: the planner, the project manager and the
// reviewer.
type Advisor interface {
	Ask(ctx context.Context, user, format string) (oracle.Result, error)
}

// CrewOptions configures a Crew.
type CrewOptions struct {
	MaxRounds   int
	WorkerRoles []string // Run order of worker roles within a round
	Bus         *events.EventBus
	Logger      *slog.Logger
}

// CrewResult summarises a crew run.
type CrewResult struct {
	Rounds   int
	Summary  string // Reviewer's final answer
	Reports  []Report
	Progress scheduler.Progress
}

// Crew is the outer loop: plan, draft the task list, run the workers and
// review, round after round, until every task is completed.
type Crew struct {
	store    *scheduler.Store
	conv     *state.Conversation
	orch     *Orchestrator
	planner  Advisor
	manager  Advisor
	reviewer Advisor
	opts     CrewOptions
	logger   *slog.Logger
}

// NewCrew creates a crew. planner, manager and reviewer may be nil; a nil
// manager means the task list must be supplied up front.
func NewCrew(store *scheduler.Store, conv *state.Conversation, orch *Orchestrator, planner, manager, reviewer Advisor, opts CrewOptions) *Crew {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Crew{
		store:    store,
		conv:     conv,
		orch:     orch,
		planner:  planner,
		manager:  manager,
		reviewer: reviewer,
		opts:     opts,
		logger:   opts.Logger.With("component", "crew"),
	}
}

// Run works on request until all tasks are completed or the round limit is
// hit. When the store already holds tasks, the first round skips planning
// and runs them as given.
func (c *Crew) Run(ctx context.Context, request string) (CrewResult, error) {
	var result CrewResult
	supplied := len(c.store.Tasks()) > 0

	plan := ""
	if !supplied {
		plan = c.plan(ctx, request)
	}

	for round := 1; round <= c.opts.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			result.Progress = c.store.Progress()
			return result, err
		}
		result.Rounds = round
		c.publishRound(round, "", "round started")
		c.logger.Info("round started", "round", round)

		if !(supplied && round == 1) {
			c.draftTasks(ctx, request, plan, round)
		}

		for _, role := range c.workerRoles() {
			report, err := c.orch.Run(ctx, role)
			if len(report.Results) > 0 {
				result.Reports = append(result.Reports, report)
				c.publishRound(round, role, fmt.Sprintf("%d completed, %d failed", report.Completed, report.Failed))
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrNoRunner):
				c.logger.Warn("tasks left for a role without an agent", "role", role)
			default:
				result.Progress = c.store.Progress()
				return result, err
			}
		}

		if len(c.store.Tasks()) > 0 && !c.store.HasPending() {
			result.Summary = c.review(ctx, request)
			result.Progress = c.store.Progress()
			c.logger.Info("all tasks completed", "rounds", round)
			return result, nil
		}
	}

	result.Progress = c.store.Progress()
	p := result.Progress
	return result, fmt.Errorf("%w: %d rounds, %d of %d tasks completed, %d failed",
		ErrRoundsExhausted, c.opts.MaxRounds, p.Completed, p.Total, p.Failed)
}

// workerRoles is the configured order followed by any other role that has
// an agent, so tasks assigned to advisor roles run too.
func (c *Crew) workerRoles() []string {
	roles := slices.Clone(c.opts.WorkerRoles)
	for _, role := range scheduler.Roles {
		if !slices.Contains(roles, role) && c.orch.HasRunner(role) {
			roles = append(roles, role)
		}
	}
	return roles
}

// plan asks the planner for a staged plan. Failures are recorded and the
// run goes on without a plan.
func (c *Crew) plan(ctx context.Context, request string) string {
	if c.planner == nil {
		return ""
	}
	res, err := c.planner.Ask(ctx, "Request: "+request, "")
	if err != nil {
		c.recordFailure(scheduler.RolePlanner, "", err)
		return ""
	}
	c.conv.Append(state.ResponseKey(scheduler.RolePlanner), state.Message{Role: scheduler.RolePlanner, Content: res.Text})
	c.publishRound(0, scheduler.RolePlanner, "plan drafted")
	return answerOf(res)
}

// draftTasks asks the project manager for a task list and applies it. A
// list that does not parse or does not apply is recorded and the round
// continues with the tasks already in the store.
func (c *Crew) draftTasks(ctx context.Context, request, plan string, round int) {
	if c.manager == nil {
		return
	}

	res, err := c.manager.Ask(ctx, c.managerPrompt(request, plan), taskListFormat)
	if err != nil {
		c.recordFailure(scheduler.RoleProjectManager, "", err)
		return
	}
	c.conv.Append(state.ResponseKey(scheduler.RoleProjectManager), state.Message{Role: scheduler.RoleProjectManager, Content: res.Text})

	data, err := json.Marshal(res.Fields)
	if err != nil {
		c.recordFailure(scheduler.RoleProjectManager, "", err)
		return
	}
	list, err := scheduler.ParseTaskList(data)
	if err != nil {
		c.recordFailure(scheduler.RoleProjectManager, "", err)
		return
	}
	applied, err := c.store.Apply(list)
	if err != nil {
		c.recordFailure(scheduler.RoleProjectManager, "", err)
		return
	}
	c.logger.Info("task list applied", "round", round, "added", len(applied.Added), "updated", len(applied.Updated), "reset", len(applied.Reset))
	c.publishRound(round, scheduler.RoleProjectManager,
		fmt.Sprintf("%d added, %d updated, %d reset", len(applied.Added), len(applied.Updated), len(applied.Reset)))
}

func (c *Crew) managerPrompt(request, plan string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", request)
	if plan != "" {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", plan)
	}
	if snapshot, err := c.store.Snapshot().Encode(); err == nil && len(c.store.Tasks()) > 0 {
		fmt.Fprintf(&b, "\nCurrent task list:\n%s\n", snapshot)
	}
	var failures []string
	for _, task := range c.store.Tasks() {
		if task.Status == scheduler.StatusFailed {
			failures = append(failures, fmt.Sprintf("- %s (%s): %s", task.ID, task.AgentRole, task.Error))
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(&b, "\nFailed tasks:\n%s\n", strings.Join(failures, "\n"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// review asks the reviewer to summarise the finished run.
func (c *Crew) review(ctx context.Context, request string) string {
	if c.reviewer == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nCompleted tasks:\n", request)
	for _, task := range c.store.Tasks() {
		fmt.Fprintf(&b, "- %s %s: %s\n", task.ID, task.Name, task.Result)
	}
	res, err := c.reviewer.Ask(ctx, strings.TrimRight(b.String(), "\n"), "")
	if err != nil {
		c.recordFailure(scheduler.RoleReviewer, "", err)
		return ""
	}
	c.conv.Append(state.ResponseKey(scheduler.RoleReviewer), state.Message{Role: scheduler.RoleReviewer, Content: res.Text})
	return answerOf(res)
}

func (c *Crew) recordFailure(role, taskID string, err error) {
	c.logger.Warn("advisor step failed", "role", role, "error", err)
	entry := failureEntry{TaskID: taskID, Status: string(scheduler.StatusFailed), Reason: err.Error()}
	if _, appendErr := c.conv.AppendJSON(state.ResponseKey(role), role, taskID, entry); appendErr != nil {
		c.logger.Error("failed to record failure", "role", role, "error", appendErr)
	}
}

func (c *Crew) publishRound(round int, role, note string) {
	c.opts.Bus.Publish(events.TopicCrew, events.CrewRoundEvent{
		Round:     round,
		Role:      role,
		Note:      note,
		Timestamp: time.Now(),
	})
}

// answerOf prefers the reply's final_answer and falls back to its raw text.
func answerOf(res oracle.Result) string {
	if s, ok := res.Fields["final_answer"].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	if res.Fields["final_answer"] != nil {
		if data, err := json.Marshal(res.Fields["final_answer"]); err == nil {
			return string(data)
		}
	}
	return res.Text
}
