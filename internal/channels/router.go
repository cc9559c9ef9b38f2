package channels

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskpulse/internal/audit"
	"github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/shared"
	"github.com/basket/taskpulse/internal/telemetry"
)

// DefaultSendTimeout bounds a single delivery attempt.
const DefaultSendTimeout = 15 * time.Second

// Router resolves an agent's route and sends through the matching Sender.
// It satisfies the wake engine's Notifier. Routes can be swapped at runtime.
type Router struct {
	mu      sync.RWMutex
	routes  map[string]Route
	senders map[string]Sender
	journal *audit.Journal
	tracer  trace.Tracer
	logger  *slog.Logger
	timeout time.Duration
}

// NewRouter builds a router. journal and tracer may be nil.
func NewRouter(routes map[string]Route, senders []Sender, journal *audit.Journal, tracer trace.Tracer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	r := &Router{
		senders: make(map[string]Sender, len(senders)),
		journal: journal,
		tracer:  tracer,
		logger:  telemetry.ForComponent(logger, "channels"),
		timeout: DefaultSendTimeout,
	}
	for _, s := range senders {
		r.senders[s.Name()] = s
	}
	r.Update(routes)
	return r
}

// Channels returns the names of the registered senders, sorted.
func (r *Router) Channels() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetSendTimeout changes the per-delivery deadline; d <= 0 restores
// DefaultSendTimeout.
func (r *Router) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSendTimeout
	}
	r.timeout = d
}

// Update replaces the route table.
func (r *Router) Update(routes map[string]Route) {
	cp := make(map[string]Route, len(routes))
	for k, v := range routes {
		cp[k] = v
	}
	r.mu.Lock()
	r.routes = cp
	r.mu.Unlock()
}

// Routes returns a copy of the route table.
func (r *Router) Routes() map[string]Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]Route, len(r.routes))
	for k, v := range r.routes {
		cp[k] = v
	}
	return cp
}

func (r *Router) SendSilent(ctx context.Context, agentID, message string) bool {
	return r.send(ctx, agentID, "silent", message)
}

func (r *Router) SendVisible(ctx context.Context, agentID, message string) bool {
	return r.send(ctx, agentID, "visible", message)
}

func (r *Router) send(ctx context.Context, agentID, tier, message string) bool {
	traceID := shared.TraceID(ctx)
	logger := r.logger.With("agent_id", agentID, "tier", tier, "trace_id", traceID)

	r.mu.RLock()
	route, ok := r.routes[agentID]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("no route for agent")
		r.journal.Record(traceID, agentID, tier, "", audit.Failed, "no route")
		return false
	}
	ep := route.Silent
	if tier == "visible" {
		ep = route.Visible
	}
	sender, ok := r.senders[ep.Channel]
	if !ok {
		logger.Warn("route names unconfigured channel", "channel", ep.Channel)
		r.journal.Record(traceID, agentID, tier, ep.Channel, audit.Failed, "channel not configured")
		return false
	}

	ctx, span := otel.StartClientSpan(ctx, r.tracer, "channel."+ep.Channel,
		otel.AttrAgentID.String(agentID), otel.AttrTier.String(tier))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := sender.Send(ctx, ep.Target, message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		logger.Warn("delivery failed", "channel", ep.Channel, "error", err)
		r.journal.Record(traceID, agentID, tier, ep.Channel, audit.Failed, err.Error())
		return false
	}
	logger.Info("delivered", "channel", ep.Channel)
	r.journal.Record(traceID, agentID, tier, ep.Channel, audit.Delivered, "")
	return true
}

// errEmptyTarget is returned by senders given a blank target.
var errEmptyTarget = errors.New("empty target")
