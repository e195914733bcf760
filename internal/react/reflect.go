package react

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/telemetry"
	"github.com/aristath/agentcrew/internal/tools"
)

// ReflectLoop is the three-phase think, act, reflect loop.
type ReflectLoop struct {
	loop
}

// NewReflectLoop creates a think-act-reflect loop. MaxIterations defaults to 5.
func NewReflectLoop(deps Deps, opts Options) *ReflectLoop {
	return &ReflectLoop{loop: newLoop(deps, opts, DefaultReflectIterations)}
}

// reflectState is the per-run state of the reflect loop.
type reflectState struct {
	pad           Scratchpad
	guidance      string
	corrections   int
	toolSucceeded bool
	lastTool      string
	lastResult    string
	lastErr       error
}

// observation is what the reflect phase is shown about the iteration.
type observation struct {
	Thought    string          `json:"thought,omitempty"`
	Action     string          `json:"action,omitempty"`
	ThinkError string          `json:"think_error,omitempty"`
	Success    bool            `json:"success"`
	Result     *tools.Envelope `json:"result,omitempty"`
}

// Run iterates until reflection accepts a final answer, the iteration
// ceiling or cancellation. Per-iteration failures stay inside the loop.
func (r *ReflectLoop) Run(ctx context.Context, task *scheduler.Task) Outcome {
	st := &reflectState{}

	for it := 1; it <= r.opts.MaxIterations; it++ {
		if out, stop := r.cancelled(ctx, task, it); stop {
			out.Corrections = st.corrections
			return out
		}
		r.deps.Metrics.IncIteration(r.opts.Role)

		iterCtx, span := telemetry.StartSpan(ctx, "react.iteration",
			attribute.String("task.id", task.ID),
			attribute.String("agent.role", r.opts.Role),
			attribute.Int("iteration", it))
		out, done := r.iterate(iterCtx, task, st, it)
		telemetry.EndSpan(span, out.Err)
		if done {
			out.Iterations = it
			out.Corrections = st.corrections
			return out
		}

		st.pad.AddNote(it, "action_final_status: %s", StatusFailed)
		r.logger.Info("iteration failed", "task_id", task.ID, "iteration", it, "error", st.lastErr)
	}

	return r.exhausted(task, r.opts.MaxIterations, st.corrections, st.lastErr)
}

func (r *ReflectLoop) iterate(ctx context.Context, task *scheduler.Task, st *reflectState, it int) (Outcome, bool) {
	system := func(format string) string {
		return buildSystem(promptData{
			Instructions: r.opts.Instructions,
			Role:         r.opts.Role,
			Task:         task,
			Tools:        r.descriptors(),
			Guidance:     st.guidance,
			Scratchpad:   st.pad.Render(),
			Format:       format,
		})
	}

	st.lastErr = nil

	// Think.
	obs := observation{}
	step, err := r.query(ctx, thinkShape, system(thinkFormat), thinkUser(task))
	if err != nil {
		st.lastErr = err
		obs.ThinkError = err.Error()
		r.logger.Warn("think failed", "task_id", task.ID, "iteration", it, "error", err)
		st.pad.AddNote(it, "think rejected: %v", err)
	} else {
		r.publishStep(task, it, "think", step)
		st.pad.AddStep(it, step)
		obs.Thought = step.Thought
		obs.Action = step.Action

		// Act.
		env := r.invoke(ctx, step.Action, step.ActionInput)
		r.publishTool(task, it, env)
		st.pad.AddObservation(it, env)
		obs.Success = env.OK
		obs.Result = &env
		if env.OK {
			st.toolSucceeded = true
			st.lastTool = step.Action
			st.lastResult = env.Text()
		} else {
			st.lastErr = env.Err()
			r.logger.Warn("tool call failed", "task_id", task.ID, "iteration", it, "tool", step.Action, "error", st.lastErr)
		}
	}

	// Reflect.
	obsJSON, _ := json.Marshal(obs)
	reflection, err := r.query(ctx, reflectShape, system(reflectFormat), reflectUser(string(obsJSON)))
	if err != nil {
		st.lastErr = joinErr(st.lastErr, err)
		r.logger.Warn("reflect failed", "task_id", task.ID, "iteration", it, "error", err)
		st.pad.AddNote(it, "reflection rejected: %v", err)
		st.guidance = fmt.Sprintf("The last reflection was unusable (%v). %s", err, reflectFormat)
		st.corrections++
		r.publishCorrection(task, it, st.guidance)
		return Outcome{}, false
	}
	r.publishStep(task, it, "reflect", reflection)

	switch {
	case reflection.IsFinal():
		if r.opts.RequireAction && !st.toolSucceeded {
			st.lastErr = ErrFinalWithoutAction
			st.guidance = correctNoToolYet
			st.corrections++
			r.publishCorrection(task, it, st.guidance)
			return Outcome{}, false
		}
		r.logger.Info("task solved", "task_id", task.ID, "iteration", it)
		return Outcome{
			Answer: reflection.FinalAnswer,
			Record: ReflectRecord{
				TaskID:            task.ID,
				FinalThought:      reflection.Thought,
				Action:            st.lastTool,
				ActionResult:      st.lastResult,
				ActionFinalStatus: StatusCompleted,
				FinalAnswer:       reflection.FinalAnswer,
			},
		}, true
	case reflection.ActionCorrection != "":
		st.guidance = reflection.ActionCorrection
		st.lastErr = joinErr(st.lastErr, fmt.Errorf("reflection asked for a correction: %s", reflection.ActionCorrection))
	default:
		st.guidance = reflection.NextSteps
		if st.lastErr == nil {
			st.lastErr = fmt.Errorf("reflection asked for more steps: %s", reflection.NextSteps)
		}
	}
	return Outcome{}, false
}

// joinErr keeps the most recent cause first.
func joinErr(prev, next error) error {
	if prev == nil {
		return next
	}
	return errors.Join(next, prev)
}
