package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/persistence"
)

var allowedTransitions = map[persistence.TaskStatus]map[persistence.TaskStatus]struct{}{
	persistence.TaskStatusActive: {
		persistence.TaskStatusPaused:    {},
		persistence.TaskStatusCompleted: {},
		persistence.TaskStatusAbandoned: {},
	},
	persistence.TaskStatusPaused: {
		persistence.TaskStatusActive:    {}, // Resume.
		persistence.TaskStatusCompleted: {},
		persistence.TaskStatusAbandoned: {},
	},
}

func canTransition(from, to persistence.TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// NewTask is the input to CreateTask.
type NewTask struct {
	Name           string
	Kind           persistence.TaskKind
	AgentID        string
	Helpers        []string
	Instructions   string
	Cadence        string
	StatusInterval string
}

func (s *Service) validateNewTask(in *NewTask) error {
	in.Name = strings.TrimSpace(in.Name)
	in.AgentID = strings.TrimSpace(in.AgentID)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if in.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidTask)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, in.Kind)
	}
	switch in.Kind {
	case persistence.KindRecurring:
		if in.StatusInterval != "" {
			return fmt.Errorf("%w: status interval applies only to project tasks", ErrInvalidTask)
		}
		if _, err := duration.Parse(in.Cadence); err != nil {
			return fmt.Errorf("%w: cadence: %w", ErrInvalidTask, err)
		}
	case persistence.KindProject:
		if in.Cadence != "" {
			return fmt.Errorf("%w: cadence applies only to recurring tasks", ErrInvalidTask)
		}
		if in.StatusInterval == "" {
			in.StatusInterval = s.defaultStatusInterval
		}
		if _, err := duration.Parse(in.StatusInterval); err != nil {
			return fmt.Errorf("%w: status interval: %w", ErrInvalidTask, err)
		}
	default:
		if in.Cadence != "" || in.StatusInterval != "" {
			return fmt.Errorf("%w: %s tasks take no interval", ErrInvalidTask, in.Kind)
		}
	}
	return nil
}

// CreateTask stores a new active task. Recurring tasks join the owning
// agent's recurring set; the agent config is created if absent.
func (s *Service) CreateTask(ctx context.Context, in NewTask) (*persistence.Task, error) {
	if err := s.validateNewTask(&in); err != nil {
		return nil, err
	}
	now := s.clock()
	t := &persistence.Task{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Kind:           in.Kind,
		AgentID:        in.AgentID,
		Helpers:        in.Helpers,
		Instructions:   in.Instructions,
		Status:         persistence.TaskStatusActive,
		Cadence:        in.Cadence,
		StatusInterval: in.StatusInterval,
		LastUpdate:     now,
		CreatedAt:      now,
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if _, err := s.mutateAgent(ctx, t.AgentID, true, func(a *persistence.AgentConfig) error {
		if t.Kind == persistence.KindRecurring {
			a.AddRecurring(t.ID)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("create task: attach to agent: %w", err)
	}
	if err := s.appendHistory(ctx, t.ID, t.AgentID, "created", "", now); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", t.ID, "agent_id", t.AgentID, "kind", t.Kind)
	return t, nil
}

// Task returns the task, or nil when it does not exist.
func (s *Service) Task(ctx context.Context, id string) (*persistence.Task, error) {
	return s.store.GetTask(ctx, id)
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	AgentID string
	Status  persistence.TaskStatus
	Kind    persistence.TaskKind
}

// ListTasks returns tasks matching f, oldest first.
func (s *Service) ListTasks(ctx context.Context, f TaskFilter) ([]persistence.Task, error) {
	var (
		tasks []persistence.Task
		err   error
	)
	if f.AgentID != "" {
		tasks, err = s.store.ListTasksByAgent(ctx, f.AgentID)
	} else {
		tasks, err = s.store.ListTasks(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateStatus records progress on a non-terminal task and advances its
// last-update time. A missing task yields (nil, nil).
func (s *Service) UpdateStatus(ctx context.Context, taskID, message string, outcome persistence.Outcome) (*persistence.Task, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidTask, outcome)
	}
	now := s.clock()
	t, err := s.mutateTask(ctx, taskID, func(t *persistence.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status)
		}
		advance(t, now)
		if outcome != "" {
			t.LastOutcome = outcome
		}
		return nil
	})
	if err != nil || t == nil {
		return t, err
	}
	if err := s.appendHistory(ctx, t.ID, t.AgentID, message, outcome, now); err != nil {
		return nil, err
	}
	s.logger.Info("task updated", "task_id", t.ID, "agent_id", t.AgentID, "outcome", outcome)
	return t, nil
}

// Complete finishes a task for good.
func (s *Service) Complete(ctx context.Context, taskID, message string) (*persistence.Task, error) {
	return s.transition(ctx, taskID, persistence.TaskStatusCompleted, message, persistence.OutcomeSuccess)
}

// Pause stops an active task from counting as overdue.
func (s *Service) Pause(ctx context.Context, taskID, message string) (*persistence.Task, error) {
	return s.transition(ctx, taskID, persistence.TaskStatusPaused, message, "")
}

// Resume reactivates a paused task. Its interval restarts from now.
func (s *Service) Resume(ctx context.Context, taskID, message string) (*persistence.Task, error) {
	return s.transition(ctx, taskID, persistence.TaskStatusActive, message, "")
}

// Abandon drops a task for good.
func (s *Service) Abandon(ctx context.Context, taskID, message string) (*persistence.Task, error) {
	return s.transition(ctx, taskID, persistence.TaskStatusAbandoned, message, persistence.OutcomeFailure)
}

func (s *Service) transition(ctx context.Context, taskID string, to persistence.TaskStatus, message string, outcome persistence.Outcome) (*persistence.Task, error) {
	now := s.clock()
	t, err := s.mutateTask(ctx, taskID, func(t *persistence.Task) error {
		if !canTransition(t.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
		}
		t.Status = to
		advance(t, now)
		if outcome != "" {
			t.LastOutcome = outcome
		}
		if to.Terminal() {
			at := t.LastUpdate
			t.CompletedAt = &at
		}
		return nil
	})
	if err != nil || t == nil {
		return t, err
	}
	if to.Terminal() {
		if _, err := s.mutateAgent(ctx, t.AgentID, false, func(a *persistence.AgentConfig) error {
			a.RemoveRecurring(t.ID)
			if a.ActiveTaskID == t.ID {
				a.ActiveTaskID = ""
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("detach task %s from agent: %w", t.ID, err)
		}
	}
	if message == "" {
		message = string(to)
	}
	if err := s.appendHistory(ctx, t.ID, t.AgentID, message, outcome, now); err != nil {
		return nil, err
	}
	s.logger.Info("task status changed", "task_id", t.ID, "agent_id", t.AgentID, "status", to)
	return t, nil
}

// History returns up to limit entries, oldest first. An empty taskID
// returns entries for every task including check-ins and pulls.
func (s *Service) History(ctx context.Context, taskID string, limit int) ([]persistence.StatusUpdate, error) {
	return s.store.ListHistory(ctx, taskID, limit)
}
