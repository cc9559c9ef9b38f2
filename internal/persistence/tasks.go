package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/taskpulse/internal/bus"
)

const taskColumns = `id, name, kind, agent_id, helpers, instructions, status, cadence,
	status_interval, last_update_ms, last_outcome, created_at_ms, completed_at_ms, version`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		helpers                 string
		lastUpdateMs, createdMs int64
		completedMs             sql.NullInt64
	)
	if err := scanFn(&t.ID, &t.Name, &t.Kind, &t.AgentID, &helpers, &t.Instructions, &t.Status,
		&t.Cadence, &t.StatusInterval, &lastUpdateMs, &t.LastOutcome, &createdMs, &completedMs, &t.Version); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(helpers), &t.Helpers); err != nil {
		return fmt.Errorf("decode helpers for task %s: %w", t.ID, err)
	}
	t.LastUpdate = fromMillis(lastUpdateMs)
	t.CreatedAt = fromMillis(createdMs)
	if completedMs.Valid {
		ts := fromMillis(completedMs.Int64)
		t.CompletedAt = &ts
	}
	return nil
}

// GetTask returns the task with the given ID, or nil if not found.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns every task ordered by creation time.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at_ms ASC, id ASC;`)
}

// ListActiveTasks returns tasks with status active ordered by creation time.
func (s *Store) ListActiveTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at_ms ASC, id ASC;`, TaskStatusActive)
}

// ListTasksByAgent returns the tasks owned by agentID ordered by creation time.
func (s *Store) ListTasksByAgent(ctx context.Context, agentID string) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? ORDER BY created_at_ms ASC, id ASC;`, agentID)
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}

// SaveTask inserts t when t.Version is 0 and otherwise updates it only if the
// stored version still equals t.Version. On success t.Version is advanced.
// A stale write returns ErrVersionConflict.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("save task: id required")
	}
	helpers := t.Helpers
	if helpers == nil {
		helpers = []string{}
	}
	helpersJSON, err := json.Marshal(helpers)
	if err != nil {
		return fmt.Errorf("encode helpers: %w", err)
	}
	var completed any
	if t.CompletedAt != nil {
		completed = toMillis(*t.CompletedAt)
	}

	var oldStatus TaskStatus
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("save task: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var storedVersion int64
		err = tx.QueryRowContext(ctx, `SELECT status, version FROM tasks WHERE id = ?;`, t.ID).Scan(&oldStatus, &storedVersion)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if t.Version != 0 {
				return fmt.Errorf("save task %s: %w (row missing)", t.ID, ErrVersionConflict)
			}
			oldStatus = ""
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (`+taskColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1);
			`, t.ID, t.Name, t.Kind, t.AgentID, string(helpersJSON), t.Instructions, t.Status, t.Cadence,
				t.StatusInterval, toMillis(t.LastUpdate), t.LastOutcome, toMillis(t.CreatedAt), completed); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		case err != nil:
			return fmt.Errorf("save task: read version: %w", err)
		default:
			if storedVersion != t.Version {
				return fmt.Errorf("save task %s: %w (have %d, stored %d)", t.ID, ErrVersionConflict, t.Version, storedVersion)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET name = ?, kind = ?, agent_id = ?, helpers = ?, instructions = ?, status = ?,
					cadence = ?, status_interval = ?, last_update_ms = ?, last_outcome = ?, created_at_ms = ?,
					completed_at_ms = ?, version = version + 1
				WHERE id = ? AND version = ?;
			`, t.Name, t.Kind, t.AgentID, string(helpersJSON), t.Instructions, t.Status, t.Cadence,
				t.StatusInterval, toMillis(t.LastUpdate), t.LastOutcome, toMillis(t.CreatedAt), completed,
				t.ID, t.Version); err != nil {
				return fmt.Errorf("update task: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("save task: commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.Version++
	if s.bus != nil && oldStatus != t.Status {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    t.ID,
			AgentID:   t.AgentID,
			OldStatus: string(oldStatus),
			NewStatus: string(t.Status),
		})
	}
	return nil
}

// DeleteTask removes a task row. The tracker never calls this; it exists for
// operators cleaning up the store.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}
