package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/queue"
)

// AgentUpdate changes an agent config. Nil fields are left alone.
type AgentUpdate struct {
	DefaultMode      *persistence.DefaultMode
	ClearDefaultMode bool
	IdleThreshold    *string
}

// Agent returns the agent config, or nil when it does not exist.
func (s *Service) Agent(ctx context.Context, agentID string) (*persistence.AgentConfig, error) {
	return s.store.GetAgent(ctx, agentID)
}

// ListAgents returns every agent config ordered by id.
func (s *Service) ListAgents(ctx context.Context) ([]persistence.AgentConfig, error) {
	return s.store.ListAgents(ctx)
}

// ConfigureAgent applies u, creating the agent if needed.
func (s *Service) ConfigureAgent(ctx context.Context, agentID string, u AgentUpdate) (*persistence.AgentConfig, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidAgent)
	}
	if u.DefaultMode != nil && strings.TrimSpace(u.DefaultMode.Name) == "" {
		return nil, fmt.Errorf("%w: default mode needs a name", ErrInvalidAgent)
	}
	if u.IdleThreshold != nil && *u.IdleThreshold != "" {
		if _, err := duration.Parse(*u.IdleThreshold); err != nil {
			return nil, fmt.Errorf("%w: idle threshold: %w", ErrInvalidAgent, err)
		}
	}
	a, err := s.mutateAgent(ctx, agentID, true, func(a *persistence.AgentConfig) error {
		switch {
		case u.ClearDefaultMode:
			a.DefaultMode = nil
		case u.DefaultMode != nil:
			mode := *u.DefaultMode
			a.DefaultMode = &mode
		}
		if u.IdleThreshold != nil {
			a.IdleThreshold = *u.IdleThreshold
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("configure agent: %w", err)
	}
	s.logger.Info("agent configured", "agent_id", agentID)
	return a, nil
}

// Activate makes taskID the agent's single active project task. The task
// must be an active project task owned by the agent. A missing task yields
// (nil, nil).
func (s *Service) Activate(ctx context.Context, agentID, taskID string) (*persistence.AgentConfig, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil || t == nil {
		return nil, err
	}
	switch {
	case t.Kind != persistence.KindProject:
		return nil, fmt.Errorf("%w: %s is a %s task, only project tasks can be active", ErrInvalidTask, t.ID, t.Kind)
	case t.AgentID != agentID:
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrInvalidTask, t.ID, t.AgentID)
	case t.Status != persistence.TaskStatusActive:
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	return s.mutateAgent(ctx, agentID, true, func(a *persistence.AgentConfig) error {
		a.ActiveTaskID = t.ID
		return nil
	})
}

// CheckIn records agent activity.
func (s *Service) CheckIn(ctx context.Context, agentID, message string) (*persistence.AgentConfig, error) {
	return s.checkIn(ctx, agentID, message, false)
}

func (s *Service) checkIn(ctx context.Context, agentID, message string, pull bool) (*persistence.AgentConfig, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidAgent)
	}
	now := s.clock()
	a, err := s.mutateAgent(ctx, agentID, true, func(a *persistence.AgentConfig) error {
		if now.After(a.LastCheckIn) {
			a.LastCheckIn = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check in: %w", err)
	}
	sentinel := persistence.HistoryCheckIn
	if pull {
		sentinel = persistence.HistoryPull
	}
	if message == "" {
		message = strings.TrimPrefix(sentinel, "_")
	}
	if err := s.appendHistory(ctx, sentinel, agentID, message, "", now); err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicAgentCheckIn, bus.AgentCheckInEvent{AgentID: agentID, At: now, Pull: pull})
	}
	return a, nil
}

// Pull builds the agent's pull queue and records the pull as a check-in.
func (s *Service) Pull(ctx context.Context, agentID string) (*queue.Queue, error) {
	a, err := s.checkIn(ctx, agentID, "", true)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasksByAgent(ctx, a.AgentID)
	if err != nil {
		return nil, err
	}
	q := queue.Build(s.clock(), a, tasks, s.eval)
	s.logger.Info("pull", "agent_id", a.AgentID, "overdue", len(q.Items), "idle", q.Idle != nil)
	return &q, nil
}

// AgentContext is everything an agent needs to orient itself.
type AgentContext struct {
	Agent      persistence.AgentConfig `json:"agent"`
	ActiveTask *persistence.Task       `json:"active_task,omitempty"`
	// StatusCheck is set when the active task is past its status interval.
	StatusCheck *overdue.Finding `json:"status_check,omitempty"`
	Queue       queue.Queue      `json:"queue"`
	Message     string           `json:"message"`
}

// AgentContext returns the agent's active task, pending status check and
// overdue recurring work. An unknown agent yields (nil, nil).
func (s *Service) AgentContext(ctx context.Context, agentID string) (*AgentContext, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return nil, err
	}
	tasks, err := s.store.ListTasksByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := &AgentContext{Agent: *a, Queue: queue.Build(now, a, tasks, s.eval)}
	if a.ActiveTaskID != "" {
		for i := range tasks {
			if tasks[i].ID != a.ActiveTaskID {
				continue
			}
			active := tasks[i]
			out.ActiveTask = &active
			if f, ok := s.eval.Check(now, &active, overdue.Immediate); ok {
				out.StatusCheck = &f
			}
		}
	}
	out.Message = renderContext(out)
	return out, nil
}

func renderContext(c *AgentContext) string {
	var b strings.Builder
	if c.ActiveTask == nil {
		b.WriteString("No active project task.\n")
	} else {
		t := c.ActiveTask
		fmt.Fprintf(&b, "Active task: %s [%s]\n", t.Name, t.ID)
		if t.Instructions != "" {
			fmt.Fprintf(&b, "   %s\n", t.Instructions)
		}
		if f := c.StatusCheck; f != nil {
			fmt.Fprintf(&b, "Status check due: last update %s ago, expected every %s.\n",
				duration.Format(f.Elapsed), duration.Format(f.Interval))
			fmt.Fprintf(&b, "   Report: taskpulse task update %s --outcome in-progress --message \"<where you are>\"\n", t.ID)
		}
	}
	b.WriteString("\n")
	b.WriteString(c.Queue.Message)
	return b.String()
}

// AgentOverdue groups monitoring-policy findings for one agent.
type AgentOverdue struct {
	AgentID  string            `json:"agent_id"`
	Findings []overdue.Finding `json:"findings"`
}

// FleetOverdue reports every active task past interval*threshold, grouped
// by owning agent and ordered by agent id.
func (s *Service) FleetOverdue(ctx context.Context) ([]AgentOverdue, error) {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	findings := s.eval.Filter(s.clock(), tasks, overdue.Monitoring)
	s.metrics.RecordOverdue(ctx, len(findings))
	byAgent := map[string][]overdue.Finding{}
	for _, f := range findings {
		byAgent[f.Task.AgentID] = append(byAgent[f.Task.AgentID], f)
	}
	out := make([]AgentOverdue, 0, len(byAgent))
	for id, fs := range byAgent {
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Elapsed-fs[i].Interval > fs[j].Elapsed-fs[j].Interval })
		out = append(out, AgentOverdue{AgentID: id, Findings: fs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// IdleAgent is an agent due an idle reminder.
type IdleAgent struct {
	Agent persistence.AgentConfig `json:"agent"`
	// IdleFor is zero when the agent never checked in.
	IdleFor   time.Duration `json:"idle_for"`
	Threshold time.Duration `json:"threshold"`
}

// IdleAgents lists agents with a default mode whose last check-in is older
// than their idle threshold. threshold overrides the global default when
// positive; per-agent thresholds still win.
func (s *Service) IdleAgents(ctx context.Context, threshold time.Duration) ([]IdleAgent, error) {
	if threshold <= 0 {
		threshold = s.idleThreshold
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	var out []IdleAgent
	for i := range agents {
		a := &agents[i]
		if !overdue.IsIdle(now, a, threshold) {
			continue
		}
		idle := IdleAgent{Agent: *a, Threshold: overdue.IdleThreshold(a, threshold)}
		if !a.LastCheckIn.IsZero() {
			idle.IdleFor = now.Sub(a.LastCheckIn)
		}
		out = append(out, idle)
	}
	return out, nil
}
