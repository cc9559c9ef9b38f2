// Package wake drives the two-tier notification state machine. Each tick an
// agent with overdue work or due an idle reminder gets a silent wake; if it
// does not respond within the grace window the wake is escalated to the
// visible channel.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/shared"
	"github.com/basket/taskpulse/internal/telemetry"
)

const (
	// MinWakeInterval is the cooldown before a new wake cycle may start.
	MinWakeInterval = 5 * time.Minute
	// EscalationGrace is how long a silent wake may go unanswered.
	EscalationGrace = 3 * time.Minute
)

// Tier names used in events, metrics and the delivery journal.
const (
	TierSilent  = "silent"
	TierVisible = "visible"
)

// Notifier delivers wake messages. A false return means nothing was
// delivered; the engine leaves state untouched so the next tick retries.
type Notifier interface {
	SendSilent(ctx context.Context, agentID, message string) bool
	SendVisible(ctx context.Context, agentID, message string) bool
}

// Source is the read side of the store the engine evaluates against.
type Source interface {
	ListTasks(ctx context.Context) ([]persistence.Task, error)
	ListAgents(ctx context.Context) ([]persistence.AgentConfig, error)
}

type Action string

const (
	ActionSilent       Action = "silent"
	ActionFallback     Action = "fallback"
	ActionEscalated    Action = "escalated"
	ActionAcknowledged Action = "acknowledged"
	ActionStale        Action = "stale"
	ActionCooldown     Action = "cooldown"
	ActionWaiting      Action = "waiting"
	ActionFailed       Action = "failed"
)

// Decision is what the engine did for one agent in one tick.
type Decision struct {
	AgentID string   `json:"agent_id"`
	Action  Action   `json:"action"`
	TaskIDs []string `json:"task_ids,omitempty"`
	Idle    bool     `json:"idle,omitempty"`
}

// Report summarizes one tick.
type Report struct {
	TraceID   string     `json:"trace_id"`
	At        time.Time  `json:"at"`
	Overdue   int        `json:"overdue"`
	Decisions []Decision `json:"decisions"`
	Saved     bool       `json:"saved"`
}

// Delivered counts the notifications that reached a channel this tick.
func (r Report) Delivered() int {
	n := 0
	for _, d := range r.Decisions {
		switch d.Action {
		case ActionSilent, ActionFallback, ActionEscalated:
			n++
		}
	}
	return n
}

// Config wires the engine. Store, State and Notifier are required.
type Config struct {
	Store     Source
	State     StateStore
	Notifier  Notifier
	Evaluator *overdue.Evaluator
	// IdleThreshold is the global idle default; agents may override it.
	IdleThreshold time.Duration
	// Zero values select MinWakeInterval and EscalationGrace.
	MinWakeInterval time.Duration
	EscalationGrace time.Duration

	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Engine evaluates every agent once per Tick. Ticks must not overlap; the
// daemon serializes them.
type Engine struct {
	store    Source
	state    StateStore
	notifier Notifier
	eval     *overdue.Evaluator
	idle     time.Duration
	cooldown time.Duration
	grace    time.Duration
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.State == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("wake: store, state and notifier are required")
	}
	e := &Engine{
		store:    cfg.Store,
		state:    cfg.State,
		notifier: cfg.Notifier,
		eval:     cfg.Evaluator,
		idle:     cfg.IdleThreshold,
		cooldown: cfg.MinWakeInterval,
		grace:    cfg.EscalationGrace,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
	if e.eval == nil {
		e.eval = overdue.NewEvaluator(overdue.DefaultThreshold)
	}
	if e.idle <= 0 {
		e.idle = overdue.DefaultIdleThreshold
	}
	if e.cooldown <= 0 {
		e.cooldown = MinWakeInterval
	}
	if e.grace <= 0 {
		e.grace = EscalationGrace
	}
	if e.metrics == nil {
		e.metrics = otel.NoopMetrics()
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = telemetry.ForComponent(e.logger, "wake")
	return e, nil
}

// Tick runs one complete evaluation pass at now. Channel failures are not
// errors; they show up as ActionFailed decisions. An error means the pass
// could not read tasks or agents, or could not persist its state.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Report, error) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "wake.tick", otel.AttrTraceID.String(traceID))
	defer span.End()
	started := time.Now()
	defer func() {
		e.metrics.TickDuration.Record(ctx, time.Since(started).Seconds())
	}()

	logger := telemetry.ForTrace(ctx, e.logger)
	report := Report{TraceID: traceID, At: now}

	state, err := e.state.Load(ctx)
	if err != nil {
		logger.Warn("wake state unreadable, starting cold", "error", err)
		state = NewState()
	}

	tasks, err := e.store.ListTasks(ctx)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("wake tick: list tasks: %w", err)
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("wake tick: list agents: %w", err)
	}

	triggers, taskByID := e.collect(now, tasks, agents)
	for _, tr := range triggers {
		report.Overdue += len(tr.overdue)
	}
	e.metrics.RecordOverdue(ctx, report.Overdue)

	ids := make(map[string]struct{}, len(triggers)+len(state.Agents))
	for id := range triggers {
		ids[id] = struct{}{}
	}
	for id := range state.Agents {
		ids[id] = struct{}{}
	}
	order := make([]string, 0, len(ids))
	for id := range ids {
		order = append(order, id)
	}
	sort.Strings(order)

	dirty := false
	for _, agentID := range order {
		if e.acknowledge(ctx, logger, state, agentID, taskByID, now, &report) {
			dirty = true
			continue
		}
		tr, hasTrigger := triggers[agentID]
		if !hasTrigger || !tr.active() {
			if e.clearStale(ctx, logger, state, agentID, now, &report) {
				dirty = true
			}
			continue
		}
		d, changed := e.evaluate(ctx, logger, state, tr, now)
		report.Decisions = append(report.Decisions, d)
		if changed {
			dirty = true
		}
	}

	// Drop memory of agents that own no task and have no configuration.
	// LastWake is kept for everyone else so it stays visible on the board.
	known := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		known[a.AgentID] = struct{}{}
	}
	for _, t := range tasks {
		known[t.AgentID] = struct{}{}
	}
	for agentID, st := range state.Agents {
		if _, ok := known[agentID]; !ok && st.Pending == nil {
			delete(state.Agents, agentID)
			dirty = true
		}
	}

	if dirty {
		if err := e.state.Save(ctx, state); err != nil {
			span.RecordError(err)
			return report, err
		}
		report.Saved = true
	}
	logger.Info("wake tick complete",
		"agents", len(order),
		"overdue", report.Overdue,
		"delivered", report.Delivered(),
		"saved", report.Saved,
	)
	return report, nil
}

// collect builds triggers from monitoring-overdue tasks and idle agents.
// Agents with neither are absent from the map.
func (e *Engine) collect(now time.Time, tasks []persistence.Task, agents []persistence.AgentConfig) (map[string]trigger, map[string]*persistence.Task) {
	taskByID := make(map[string]*persistence.Task, len(tasks))
	triggers := make(map[string]trigger)
	for i := range tasks {
		t := &tasks[i]
		taskByID[t.ID] = t
		f, ok := e.eval.Check(now, t, overdue.Monitoring)
		if !ok {
			continue
		}
		tr := triggers[t.AgentID]
		tr.agentID = t.AgentID
		tr.overdue = append(tr.overdue, f)
		triggers[t.AgentID] = tr
	}
	for i := range agents {
		a := &agents[i]
		if !overdue.IsIdle(now, a, e.idle) {
			continue
		}
		tr := triggers[a.AgentID]
		tr.agentID = a.AgentID
		tr.idle = true
		tr.mode = a.DefaultMode
		if !a.LastCheckIn.IsZero() {
			tr.idleFor = now.Sub(a.LastCheckIn)
		}
		triggers[a.AgentID] = tr
	}
	return triggers, taskByID
}

// acknowledge clears a pending wake once the agent has advanced any of its
// triggering tasks past the snapshot. It runs before the stale check so an
// update that also resolves the trigger still counts as a response.
func (e *Engine) acknowledge(ctx context.Context, logger *slog.Logger, state *State, agentID string, taskByID map[string]*persistence.Task, now time.Time, report *Report) bool {
	st := state.Agent(agentID)
	if st == nil || st.Pending == nil || !acknowledged(st.Pending, taskByID) {
		return false
	}
	pending := st.Pending
	st.Pending = nil
	report.Decisions = append(report.Decisions, Decision{AgentID: agentID, Action: ActionAcknowledged, TaskIDs: pending.TaskIDs, Idle: pending.Idle})
	e.metrics.WakeAcknowledged.Add(ctx, 1)
	e.publish(bus.TopicWakeAcknowledged, agentID, pending.TaskIDs, "", now, "")
	logger.Info("wake acknowledged", "agent_id", agentID, "action", ActionAcknowledged)
	return true
}

// clearStale drops a pending wake whose trigger has gone.
func (e *Engine) clearStale(ctx context.Context, logger *slog.Logger, state *State, agentID string, now time.Time, report *Report) bool {
	st := state.Agent(agentID)
	if st == nil || st.Pending == nil {
		return false
	}
	pending := st.Pending
	st.Pending = nil
	report.Decisions = append(report.Decisions, Decision{AgentID: agentID, Action: ActionStale, TaskIDs: pending.TaskIDs, Idle: pending.Idle})
	e.metrics.WakeStaleCleared.Add(ctx, 1)
	e.publish(bus.TopicWakeCleared, agentID, pending.TaskIDs, "", now, "")
	logger.Info("pending wake cleared, trigger gone", "agent_id", agentID, "action", ActionStale)
	return true
}

// evaluate applies the state machine to one agent with an active trigger.
func (e *Engine) evaluate(ctx context.Context, logger *slog.Logger, state *State, tr trigger, now time.Time) (Decision, bool) {
	agentID := tr.agentID
	logger = logger.With("agent_id", agentID)
	ctx = shared.WithAgentID(ctx, agentID)
	st := state.Agent(agentID)

	if st != nil && st.Pending != nil {
		pending := st.Pending
		d := Decision{AgentID: agentID, TaskIDs: pending.TaskIDs, Idle: pending.Idle}
		if now.Sub(pending.WakeTime) < e.grace {
			d.Action = ActionWaiting
			logger.Debug("wake pending within grace", "action", d.Action)
			return d, false
		}
		if !e.notifier.SendVisible(ctx, agentID, escalationMessage(tr, pending, now)) {
			d.Action = ActionFailed
			e.metrics.WakeFailed.Add(ctx, 1, otel.Tier(TierVisible))
			e.publish(bus.TopicWakeFailed, agentID, pending.TaskIDs, TierVisible, now, "escalation not delivered")
			logger.Warn("escalation failed, will retry", "action", d.Action, "tier", TierVisible)
			return d, false
		}
		st.LastWake = now
		st.Pending = nil
		d.Action = ActionEscalated
		e.metrics.WakeSent.Add(ctx, 1, otel.Tier(TierVisible))
		e.publish(bus.TopicWakeEscalated, agentID, pending.TaskIDs, TierVisible, now, "")
		logger.Info("wake escalated", "action", d.Action, "tier", TierVisible)
		return d, true
	}

	taskIDs := tr.taskIDs()
	d := Decision{AgentID: agentID, TaskIDs: taskIDs, Idle: tr.idle}
	if st != nil && !st.LastWake.IsZero() && now.Sub(st.LastWake) < e.cooldown {
		d.Action = ActionCooldown
		logger.Debug("wake suppressed by cooldown", "action", d.Action)
		return d, false
	}

	if e.notifier.SendSilent(ctx, agentID, silentMessage(tr)) {
		st = state.ensure(agentID)
		st.LastWake = now
		st.Pending = &PendingWake{WakeTime: now, Snapshot: tr.snapshot(), TaskIDs: taskIDs, Idle: tr.idle}
		d.Action = ActionSilent
		e.metrics.WakeSent.Add(ctx, 1, otel.Tier(TierSilent))
		e.publish(bus.TopicWakeSilent, agentID, taskIDs, TierSilent, now, "")
		logger.Info("silent wake sent", "action", d.Action, "tier", TierSilent, "tasks", len(taskIDs), "idle", tr.idle)
		return d, true
	}
	e.metrics.WakeFailed.Add(ctx, 1, otel.Tier(TierSilent))
	e.publish(bus.TopicWakeFailed, agentID, taskIDs, TierSilent, now, "silent wake not delivered")

	if e.notifier.SendVisible(ctx, agentID, fallbackMessage(tr)) {
		st = state.ensure(agentID)
		st.LastWake = now
		d.Action = ActionFallback
		e.metrics.WakeSent.Add(ctx, 1, otel.Tier(TierVisible))
		e.publish(bus.TopicWakeEscalated, agentID, taskIDs, TierVisible, now, "")
		logger.Info("silent wake failed, sent visible", "action", d.Action, "tier", TierVisible)
		return d, true
	}
	d.Action = ActionFailed
	e.metrics.WakeFailed.Add(ctx, 1, otel.Tier(TierVisible))
	e.publish(bus.TopicWakeFailed, agentID, taskIDs, TierVisible, now, "fallback not delivered")
	logger.Warn("no wake delivered", "action", d.Action)
	return d, false
}

// acknowledged reports whether any triggering task moved past the snapshot.
// Tasks missing from the store count as unchanged.
func acknowledged(p *PendingWake, taskByID map[string]*persistence.Task) bool {
	for _, id := range p.TaskIDs {
		t, ok := taskByID[id]
		if !ok {
			continue
		}
		if t.LastUpdate.After(p.Snapshot) {
			return true
		}
	}
	return false
}

func (e *Engine) publish(topic, agentID string, taskIDs []string, tier string, at time.Time, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.WakeEvent{AgentID: agentID, TaskIDs: taskIDs, Tier: tier, At: at, Error: errMsg})
}
