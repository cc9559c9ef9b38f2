package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// --- Agent scheduling records ---

const agentColumns = `agent_id, has_default_mode, default_mode_name, default_mode_instructions,
	active_task_id, recurring_task_ids, last_check_in_ms, idle_threshold, version`

func scanAgent(scanFn func(dest ...any) error, a *AgentConfig) error {
	var (
		hasMode           bool
		modeName, modeIns string
		recurring         string
		checkInMs         int64
	)
	if err := scanFn(&a.AgentID, &hasMode, &modeName, &modeIns, &a.ActiveTaskID, &recurring,
		&checkInMs, &a.IdleThreshold, &a.Version); err != nil {
		return err
	}
	if hasMode {
		a.DefaultMode = &DefaultMode{Name: modeName, Instructions: modeIns}
	}
	if err := json.Unmarshal([]byte(recurring), &a.RecurringTaskIDs); err != nil {
		return fmt.Errorf("decode recurring ids for agent %s: %w", a.AgentID, err)
	}
	a.LastCheckIn = fromMillis(checkInMs)
	return nil
}

// GetAgent returns the agent record for the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentConfig, error) {
	var a AgentConfig
	err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID).Scan, &a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all agent records ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentConfig
	for rows.Next() {
		var a AgentConfig
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// SaveAgent inserts a when a.Version is 0 and otherwise updates it under the
// same version check as SaveTask.
func (s *Store) SaveAgent(ctx context.Context, a *AgentConfig) error {
	if a == nil || a.AgentID == "" {
		return fmt.Errorf("save agent: agent_id required")
	}
	recurring := a.RecurringTaskIDs
	if recurring == nil {
		recurring = []string{}
	}
	recurringJSON, err := json.Marshal(recurring)
	if err != nil {
		return fmt.Errorf("encode recurring ids: %w", err)
	}
	var hasMode bool
	var modeName, modeIns string
	if a.DefaultMode != nil {
		hasMode = true
		modeName, modeIns = a.DefaultMode.Name, a.DefaultMode.Instructions
	}

	err = retryOnBusy(ctx, busyRetries, func() error {
		if a.Version == 0 {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO agents (`+agentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1);
			`, a.AgentID, hasMode, modeName, modeIns, a.ActiveTaskID, string(recurringJSON),
				toMillis(a.LastCheckIn), a.IdleThreshold)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("save agent %s: %w (already exists)", a.AgentID, ErrVersionConflict)
				}
				return fmt.Errorf("insert agent: %w", err)
			}
			return nil
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET has_default_mode = ?, default_mode_name = ?, default_mode_instructions = ?,
				active_task_id = ?, recurring_task_ids = ?, last_check_in_ms = ?, idle_threshold = ?,
				version = version + 1
			WHERE agent_id = ? AND version = ?;
		`, hasMode, modeName, modeIns, a.ActiveTaskID, string(recurringJSON), toMillis(a.LastCheckIn),
			a.IdleThreshold, a.AgentID, a.Version)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update agent: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("save agent %s: %w", a.AgentID, ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.Version++
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
