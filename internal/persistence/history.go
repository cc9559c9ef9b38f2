package persistence

import (
	"context"
	"fmt"
)

// AppendHistory records entry and evicts the oldest rows beyond HistoryCap
// in the same transaction. The entry's ID is set on success.
func (s *Store) AppendHistory(ctx context.Context, entry *StatusUpdate) error {
	if entry == nil {
		return fmt.Errorf("append history: nil entry")
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("append history: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO history (task_id, agent_id, ts_ms, message, outcome)
			VALUES (?, ?, ?, ?, ?);
		`, entry.TaskID, entry.AgentID, toMillis(entry.Timestamp), entry.Message, entry.Outcome)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("append history: last insert id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id <= ?;`, id-HistoryCap); err != nil {
			return fmt.Errorf("append history: evict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("append history: commit: %w", err)
		}
		entry.ID = id
		return nil
	})
}

// ListHistory returns up to limit of the most recent entries, oldest first.
// An empty taskID lists entries for every task; limit <= 0 means HistoryCap.
func (s *Store) ListHistory(ctx context.Context, taskID string, limit int) ([]StatusUpdate, error) {
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}
	q := `SELECT id, task_id, agent_id, ts_ms, message, outcome FROM history`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q = `SELECT * FROM (` + q + ` ORDER BY id DESC LIMIT ?) ORDER BY id ASC;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []StatusUpdate
	for rows.Next() {
		var (
			e    StatusUpdate
			tsMs int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &tsMs, &e.Message, &e.Outcome); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Timestamp = fromMillis(tsMs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: iterate: %w", err)
	}
	return out, nil
}
