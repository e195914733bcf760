package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/agentcrew/internal/scheduler"
)

// SaveTask saves or updates a task and its dependencies. A new task is
// placed after the run's existing tasks; an update keeps its position.
func (s *SQLiteStore) SaveTask(ctx context.Context, runID string, task scheduler.Task) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	inputs := []byte("{}")
	if len(task.ProvidedInputs) > 0 {
		data, err := json.Marshal(task.ProvidedInputs)
		if err != nil {
			return fmt.Errorf("failed to encode provided inputs of %s: %w", task.ID, err)
		}
		inputs = data
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (run_id, id, position, name, description, acceptance_criteria, agent_role,
			status, tool_to_use, provided_inputs, result, error, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM tasks WHERE run_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			acceptance_criteria = excluded.acceptance_criteria,
			agent_role = excluded.agent_role,
			status = excluded.status,
			tool_to_use = excluded.tool_to_use,
			provided_inputs = excluded.provided_inputs,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, runID, task.ID, runID,
		task.Name, task.Description, task.AcceptanceCriteria, task.AgentRole,
		string(task.Status), task.ToolToUse, string(inputs), task.Result, task.Error, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	// Dependencies may name tasks that are saved later, so they carry no
	// foreign key to the target.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE run_id = ? AND task_id = ?`, runID, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for i, depID := range task.DependsOn {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (run_id, task_id, depends_on_id, ordinal)
			VALUES (?, ?, ?, ?)
		`, runID, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordTransition appends an audited status change and updates the task's
// status, result and error in one transaction.
func (s *SQLiteStore) RecordTransition(ctx context.Context, runID string, tr scheduler.Transition, task scheduler.Task) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND id = ?
	`, string(tr.To), task.Result, task.Error, formatTime(tr.At), runID, tr.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, tr.TaskID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_transitions (run_id, task_id, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, tr.TaskID, string(tr.From), string(tr.To), tr.Reason, formatTime(tr.At))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns a run's tasks in insertion order with their dependencies.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, acceptance_criteria, agent_role, status,
			tool_to_use, provided_inputs, result, error
		FROM tasks
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	byID := map[string]*scheduler.Task{}
	for rows.Next() {
		var (
			task   scheduler.Task
			status string
			inputs string
		)
		err := rows.Scan(&task.ID, &task.Name, &task.Description, &task.AcceptanceCriteria, &task.AgentRole,
			&status, &task.ToolToUse, &inputs, &task.Result, &task.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Status = scheduler.TaskStatus(status)
		if inputs != "" && inputs != "{}" {
			if err := json.Unmarshal([]byte(inputs), &task.ProvidedInputs); err != nil {
				return nil, fmt.Errorf("failed to decode provided inputs of %s: %w", task.ID, err)
			}
		}
		tasks = append(tasks, &task)
		byID[task.ID] = &task
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	// One query for every dependency avoids a nested query per task.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE run_id = ?
		ORDER BY task_id, ordinal
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return tasks, nil
}

// Transitions returns a run's audited status changes in the order they
// happened, for one task or for all when taskID is empty.
func (s *SQLiteStore) Transitions(ctx context.Context, runID, taskID string) ([]scheduler.Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, reason, at
		FROM task_transitions
		WHERE run_id = ? AND (? = '' OR task_id = ?)
		ORDER BY id
	`, runID, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	out := []scheduler.Transition{}
	for rows.Next() {
		var (
			tr       scheduler.Transition
			from, to string
			at       string
		)
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From, tr.To, tr.At = scheduler.TaskStatus(from), scheduler.TaskStatus(to), parseTime(at)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}
