// Package tracker exposes the operations agents and operators perform on
// tasks and agent configs: lifecycle changes, check-ins, the pull queue,
// agent context and fleet-wide overdue reporting.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/telemetry"
)

var (
	// ErrInvalidTransition is returned when a lifecycle operation does not
	// apply to the task's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidTask is returned for malformed task input.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidAgent is returned for malformed agent input.
	ErrInvalidAgent = errors.New("invalid agent")
)

// DefaultStatusInterval applies to project tasks created without one.
const DefaultStatusInterval = "2h"

// conflictAttempts bounds reload-and-retry on optimistic-concurrency
// conflicts.
const conflictAttempts = 3

// Config wires a Service.
type Config struct {
	Store                 *persistence.Store
	Evaluator             *overdue.Evaluator
	DefaultStatusInterval string
	IdleThreshold         time.Duration
	Bus                   *bus.Bus
	Metrics               *otel.Metrics
	Logger                *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service implements the tracker operations over a Store.
type Service struct {
	store                 *persistence.Store
	eval                  *overdue.Evaluator
	defaultStatusInterval string
	idleThreshold         time.Duration
	bus                   *bus.Bus
	metrics               *otel.Metrics
	logger                *slog.Logger
	now                   func() time.Time
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tracker: store is required")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = overdue.NewEvaluator(overdue.DefaultThreshold)
	}
	if cfg.DefaultStatusInterval == "" {
		cfg.DefaultStatusInterval = DefaultStatusInterval
	}
	if _, err := duration.Parse(cfg.DefaultStatusInterval); err != nil {
		return nil, fmt.Errorf("tracker: default status interval: %w", err)
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = overdue.DefaultIdleThreshold
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:                 cfg.Store,
		eval:                  cfg.Evaluator,
		defaultStatusInterval: cfg.DefaultStatusInterval,
		idleThreshold:         cfg.IdleThreshold,
		bus:                   cfg.Bus,
		metrics:               cfg.Metrics,
		logger:                telemetry.ForComponent(cfg.Logger, "tracker"),
		now:                   cfg.Now,
	}, nil
}

// Evaluator returns the overdue evaluator the service reports with.
func (s *Service) Evaluator() *overdue.Evaluator {
	return s.eval
}

// IdleThreshold returns the global idle-reminder threshold.
func (s *Service) IdleThreshold() time.Duration {
	return s.idleThreshold
}

// clock returns the current time truncated to the store's millisecond
// resolution.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// mutateTask reloads the task and applies fn until the save lands or the
// attempts run out. A missing task yields (nil, nil).
func (s *Service) mutateTask(ctx context.Context, id string, fn func(t *persistence.Task) error) (*persistence.Task, error) {
	var lastErr error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		err = s.store.SaveTask(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) {
			return nil, err
		}
		s.conflict(ctx, "task", id, attempt)
		lastErr = err
	}
	return nil, lastErr
}

// mutateAgent is mutateTask for agent configs. When create is set a missing
// agent is created lazily and fn sees the fresh record.
func (s *Service) mutateAgent(ctx context.Context, agentID string, create bool, fn func(a *persistence.AgentConfig) error) (*persistence.AgentConfig, error) {
	var lastErr error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		a, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			if !create {
				return nil, nil
			}
			a = &persistence.AgentConfig{AgentID: agentID}
		}
		if err := fn(a); err != nil {
			return nil, err
		}
		err = s.store.SaveAgent(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) {
			return nil, err
		}
		s.conflict(ctx, "agent", agentID, attempt)
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) conflict(ctx context.Context, kind, id string, attempt int) {
	s.metrics.VersionConflicts.Add(ctx, 1)
	s.logger.Debug("version conflict, reloading", "kind", kind, "id", id, "attempt", attempt+1)
}

func (s *Service) appendHistory(ctx context.Context, taskID, agentID, message string, outcome persistence.Outcome, at time.Time) error {
	return s.store.AppendHistory(ctx, &persistence.StatusUpdate{
		TaskID:    taskID,
		AgentID:   agentID,
		Timestamp: at,
		Message:   message,
		Outcome:   outcome,
	})
}

// advance moves a task's last-update time forward, never back.
func advance(t *persistence.Task, now time.Time) {
	if now.After(t.LastUpdate) {
		t.LastUpdate = now
	}
}
