// Package overdue decides whether a task has gone too long without an update.
//
// Two policies share the same elapsed-time measure. Immediate flags a task as
// soon as its interval has passed and drives the pull queue and agent context.
// Monitoring waits for interval*threshold and drives fleet reporting and wake
// escalation. The two are kept distinct on purpose.
package overdue

import (
	"math"
	"time"

	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/persistence"
)

// DefaultThreshold is the monitoring multiplier used when none is configured.
const DefaultThreshold = 2.0

type Policy int

const (
	Immediate Policy = iota
	Monitoring
)

func (p Policy) String() string {
	if p == Monitoring {
		return "monitoring"
	}
	return "immediate"
}

// Finding is an overdue task together with the measurements that made it so.
type Finding struct {
	Task     persistence.Task
	Interval time.Duration
	Elapsed  time.Duration
}

// OverdueMinutes is the whole number of minutes since the last update.
func (f Finding) OverdueMinutes() int64 {
	return int64(f.Elapsed / time.Minute)
}

// Evaluator applies the overdue policies with a fixed monitoring threshold.
type Evaluator struct {
	threshold float64
}

// NewEvaluator returns an evaluator; a threshold <= 0 selects DefaultThreshold.
func NewEvaluator(threshold float64) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Evaluator{threshold: threshold}
}

func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

// Interval returns the parsed cadence (recurring) or status interval
// (project). ok is false for kinds without an interval and for empty or
// malformed literals.
func Interval(t *persistence.Task) (time.Duration, bool) {
	if t == nil {
		return 0, false
	}
	lit := t.Interval()
	if lit == "" {
		return 0, false
	}
	return duration.ParseSafe(lit)
}

// Check reports whether t is overdue at now under policy. Only active tasks
// with a parseable interval can be overdue.
func (e *Evaluator) Check(now time.Time, t *persistence.Task, policy Policy) (Finding, bool) {
	if t == nil || t.Status != persistence.TaskStatusActive {
		return Finding{}, false
	}
	interval, ok := Interval(t)
	if !ok {
		return Finding{}, false
	}
	limit := interval
	if policy == Monitoring {
		limit = scale(interval, e.threshold)
	}
	elapsed := now.Sub(t.LastUpdate)
	if elapsed <= limit {
		return Finding{}, false
	}
	return Finding{Task: *t, Interval: interval, Elapsed: elapsed}, true
}

// scale multiplies d by factor, saturating at the largest duration.
func scale(d time.Duration, factor float64) time.Duration {
	f := float64(d) * factor
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(f)
}

func (e *Evaluator) IsOverdue(now time.Time, t *persistence.Task, policy Policy) bool {
	_, ok := e.Check(now, t, policy)
	return ok
}

// Filter returns the overdue tasks in input order.
func (e *Evaluator) Filter(now time.Time, tasks []persistence.Task, policy Policy) []Finding {
	var out []Finding
	for i := range tasks {
		if f, ok := e.Check(now, &tasks[i], policy); ok {
			out = append(out, f)
		}
	}
	return out
}

// DefaultIdleThreshold applies to agents without their own idle threshold.
const DefaultIdleThreshold = 30 * time.Minute

// IdleThreshold returns the agent's own threshold when it parses, else
// fallback (DefaultIdleThreshold when fallback <= 0).
func IdleThreshold(a *persistence.AgentConfig, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultIdleThreshold
	}
	if a == nil || a.IdleThreshold == "" {
		return fallback
	}
	if d, ok := duration.ParseSafe(a.IdleThreshold); ok {
		return d
	}
	return fallback
}

// IsIdle reports whether the agent is due an idle reminder: it has a default
// mode and has not checked in for longer than its threshold. An agent that
// never checked in is idle. Agents without a default mode are never idle.
func IsIdle(now time.Time, a *persistence.AgentConfig, fallback time.Duration) bool {
	if a == nil || a.DefaultMode == nil {
		return false
	}
	if a.LastCheckIn.IsZero() {
		return true
	}
	return now.Sub(a.LastCheckIn) > IdleThreshold(a, fallback)
}
