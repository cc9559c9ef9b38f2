package persistence

import (
	"errors"
	"time"
)

// ErrVersionConflict is returned by SaveTask and SaveAgent when the row was
// written by someone else since it was read.
var ErrVersionConflict = errors.New("version conflict")

// HistoryCap bounds the status-update log; older entries are evicted first.
const HistoryCap = 1000

// Sentinel task ids for history entries that are not about a task.
const (
	HistoryCheckIn = "_checkin"
	HistoryPull    = "_pull"
)

type TaskKind string

const (
	KindProject   TaskKind = "project"
	KindRecurring TaskKind = "recurring"
	KindDefault   TaskKind = "default"
)

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case KindProject, KindRecurring, KindDefault:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusAbandoned
}

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeInProgress Outcome = "in-progress"
)

// Valid reports whether o is empty or one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case "", OutcomeSuccess, OutcomeFailure, OutcomeInProgress:
		return true
	}
	return false
}

// Task is a unit of work owned by one agent. Cadence applies only to
// recurring tasks and StatusInterval only to project tasks.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           TaskKind   `json:"kind"`
	AgentID        string     `json:"agent_id"`
	Helpers        []string   `json:"helpers,omitempty"`
	Instructions   string     `json:"instructions,omitempty"`
	Status         TaskStatus `json:"status"`
	Cadence        string     `json:"cadence,omitempty"`
	StatusInterval string     `json:"status_interval,omitempty"`
	LastUpdate     time.Time  `json:"last_update"`
	LastOutcome    Outcome    `json:"last_outcome,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	// Version is the optimistic-concurrency stamp; 0 means never saved.
	Version int64 `json:"version"`
}

// Interval returns the literal that governs overdue checks for the task's kind.
func (t *Task) Interval() string {
	switch t.Kind {
	case KindRecurring:
		return t.Cadence
	case KindProject:
		return t.StatusInterval
	}
	return ""
}

// DefaultMode is what an agent does when nothing else is due.
type DefaultMode struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions,omitempty"`
}

// AgentConfig is the per-agent scheduling record.
type AgentConfig struct {
	AgentID          string       `json:"agent_id"`
	DefaultMode      *DefaultMode `json:"default_mode,omitempty"`
	ActiveTaskID     string       `json:"active_task_id,omitempty"`
	RecurringTaskIDs []string     `json:"recurring_task_ids,omitempty"`
	LastCheckIn      time.Time    `json:"last_check_in"`
	IdleThreshold    string       `json:"idle_threshold,omitempty"`
	Version          int64        `json:"version"`
}

// HasRecurring reports whether taskID is in the agent's recurring set.
func (a *AgentConfig) HasRecurring(taskID string) bool {
	for _, id := range a.RecurringTaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// AddRecurring appends taskID to the recurring set if absent.
func (a *AgentConfig) AddRecurring(taskID string) bool {
	if a.HasRecurring(taskID) {
		return false
	}
	a.RecurringTaskIDs = append(a.RecurringTaskIDs, taskID)
	return true
}

// RemoveRecurring drops taskID from the recurring set, keeping order.
func (a *AgentConfig) RemoveRecurring(taskID string) bool {
	for i, id := range a.RecurringTaskIDs {
		if id == taskID {
			a.RecurringTaskIDs = append(a.RecurringTaskIDs[:i:i], a.RecurringTaskIDs[i+1:]...)
			return true
		}
	}
	return false
}

// StatusUpdate is one immutable history entry.
type StatusUpdate struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Outcome   Outcome   `json:"outcome,omitempty"`
}
