package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
)

// Mirror writes every task upsert, status transition and conversation append
// of one run to the database as it happens. A write failure is logged and
// counted; it never fails the run.
type Mirror struct {
	db     *SQLiteStore
	runID  string
	ctx    context.Context
	logger *slog.Logger
	errors atomic.Int64
}

// Attach registers the mirror's hooks on tasks and conv. Writes keep going
// after ctx is cancelled so a cancelled run still records its final state.
func Attach(ctx context.Context, db *SQLiteStore, runID string, tasks *scheduler.Store, conv *state.Conversation, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		db:     db,
		runID:  runID,
		ctx:    context.WithoutCancel(ctx),
		logger: logger.With("component", "persistence", "run_id", runID),
	}
	tasks.OnUpsert(func(task scheduler.Task) {
		m.check("save task", task.ID, db.SaveTask(m.ctx, runID, task))
	})
	tasks.OnTransition(func(tr scheduler.Transition, task scheduler.Task) {
		m.check("record transition", tr.TaskID, db.RecordTransition(m.ctx, runID, tr, task))
	})
	conv.OnAppend(func(msg state.Message) {
		m.check("save message", msg.TaskID, db.SaveMessage(m.ctx, runID, msg))
	})
	return m
}

// Errors returns how many writes failed.
func (m *Mirror) Errors() int64 {
	return m.errors.Load()
}

func (m *Mirror) check(op, taskID string, err error) {
	if err == nil {
		return
	}
	m.errors.Add(1)
	m.logger.Error("mirror write failed", "op", op, "task_id", taskID, "error", err)
}

// Resume loads a recorded run into an empty task store and conversation.
// Tasks cut off while in progress come back failed, so the project manager
// can retry them.
func Resume(ctx context.Context, db *SQLiteStore, runID string, tasks *scheduler.Store, conv *state.Conversation) (Run, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	saved, err := db.ListTasks(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	audit, err := db.Transitions(ctx, runID, "")
	if err != nil {
		return Run{}, err
	}
	history, err := db.History(ctx, runID, "")
	if err != nil {
		return Run{}, err
	}

	if err := tasks.Restore(saved, audit); err != nil {
		return Run{}, fmt.Errorf("restoring tasks of run %s: %w", runID, err)
	}
	conv.Restore(history)
	return run, nil
}
