package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all taskpulse metric instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	WakeSent         metric.Int64Counter
	WakeFailed       metric.Int64Counter
	WakeAcknowledged metric.Int64Counter
	WakeStaleCleared metric.Int64Counter
	OverdueTasks     metric.Int64Gauge
	VersionConflicts metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("taskpulse.tick.duration",
		metric.WithDescription("Evaluation tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WakeSent, err = meter.Int64Counter("taskpulse.wake.sent",
		metric.WithDescription("Wake notifications delivered, by tier"),
	)
	if err != nil {
		return nil, err
	}

	m.WakeFailed, err = meter.Int64Counter("taskpulse.wake.failed",
		metric.WithDescription("Wake notifications that failed to deliver, by tier"),
	)
	if err != nil {
		return nil, err
	}

	m.WakeAcknowledged, err = meter.Int64Counter("taskpulse.wake.acknowledged",
		metric.WithDescription("Pending wakes cleared by agent activity"),
	)
	if err != nil {
		return nil, err
	}

	m.WakeStaleCleared, err = meter.Int64Counter("taskpulse.wake.stale_cleared",
		metric.WithDescription("Pending wakes cleared because the trigger disappeared"),
	)
	if err != nil {
		return nil, err
	}

	m.OverdueTasks, err = meter.Int64Gauge("taskpulse.overdue.tasks",
		metric.WithDescription("Tasks overdue under the monitoring policy at the last tick"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("taskpulse.store.version_conflicts",
		metric.WithDescription("Optimistic-concurrency conflicts retried by the tracker"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Used when telemetry
// is disabled and in tests.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("taskpulse"))
	return m
}

// Tier returns the attribute set for a wake tier.
func Tier(tier string) metric.MeasurementOption {
	return metric.WithAttributes(AttrTier.String(tier))
}

// RecordOverdue stores the monitoring-overdue count observed by a tick.
func (m *Metrics) RecordOverdue(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.OverdueTasks.Record(ctx, int64(n))
}
