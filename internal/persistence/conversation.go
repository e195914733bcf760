package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/agentcrew/internal/state"
)

// SaveMessage appends a conversation message of a run.
// Messages are append-only (no upsert needed).
func (s *SQLiteStore) SaveMessage(ctx context.Context, runID string, msg state.Message) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation (run_id, key, role, task_id, content, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, msg.Key, msg.Role, msg.TaskID, msg.Content, formatTime(msg.At))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// History returns a run's messages in append order, for one key or for all
// keys when key is empty. Returns an empty slice (not nil) if there are none.
func (s *SQLiteStore) History(ctx context.Context, runID, key string) ([]state.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, role, task_id, content, at
		FROM conversation
		WHERE run_id = ? AND (? = '' OR key = ?)
		ORDER BY id
	`, runID, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []state.Message{}
	for rows.Next() {
		var (
			msg state.Message
			at  string
		)
		if err := rows.Scan(&msg.Key, &msg.Role, &msg.TaskID, &msg.Content, &at); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.At = parseTime(at)
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
