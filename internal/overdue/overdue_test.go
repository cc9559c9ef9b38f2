package overdue

import (
	"math"
	"testing"
	"time"

	"github.com/basket/taskpulse/internal/persistence"
)

var base = time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)

func recurring(cadence string, lastUpdate time.Time) *persistence.Task {
	return &persistence.Task{
		ID:         "r1",
		Kind:       persistence.KindRecurring,
		Status:     persistence.TaskStatusActive,
		Cadence:    cadence,
		LastUpdate: lastUpdate,
	}
}

func withStatus(t *persistence.Task, status persistence.TaskStatus) *persistence.Task {
	t.Status = status
	return t
}

func TestCheck_ImmediateBoundary(t *testing.T) {
	e := NewEvaluator(0)
	task := recurring("30m", base)

	if e.IsOverdue(base.Add(30*time.Minute), task, Immediate) {
		t.Fatal("elapsed == interval must not be overdue")
	}
	f, ok := e.Check(base.Add(30*time.Minute+time.Millisecond), task, Immediate)
	if !ok {
		t.Fatal("elapsed == interval+1ms must be overdue")
	}
	if f.Interval != 30*time.Minute || f.OverdueMinutes() != 30 {
		t.Fatalf("finding = %+v (mins %d)", f, f.OverdueMinutes())
	}
}

func TestCheck_MonitoringUsesThreshold(t *testing.T) {
	e := NewEvaluator(2)
	task := recurring("1h", base)

	if !e.IsOverdue(base.Add(90*time.Minute), task, Immediate) {
		t.Fatal("90m past a 1h cadence is immediate-overdue")
	}
	if e.IsOverdue(base.Add(2*time.Hour), task, Monitoring) {
		t.Fatal("exactly 2x interval is not monitoring-overdue")
	}
	if !e.IsOverdue(base.Add(2*time.Hour+time.Millisecond), task, Monitoring) {
		t.Fatal("past 2x interval is monitoring-overdue")
	}
}

func TestCheck_MonitoringImpliesImmediate(t *testing.T) {
	for _, threshold := range []float64{1.5, 2, 3} {
		e := NewEvaluator(threshold)
		task := recurring("10m", base)
		for step := time.Duration(0); step <= 40*time.Minute; step += 30 * time.Second {
			now := base.Add(step)
			if e.IsOverdue(now, task, Monitoring) && !e.IsOverdue(now, task, Immediate) {
				t.Fatalf("threshold %v at %v: monitoring overdue but immediate not", threshold, step)
			}
		}
	}
}

func TestCheck_MonitoringSaturatesLongIntervals(t *testing.T) {
	e := NewEvaluator(2)
	// 100000d fits a time.Duration, twice that does not.
	task := recurring("100000d", base)
	now := base.Add(time.Minute)
	if e.IsOverdue(now, task, Immediate) {
		t.Fatal("a minute into a 100000d cadence is not overdue")
	}
	if e.IsOverdue(now, task, Monitoring) {
		t.Fatal("monitoring limit overflowed into an immediate wake")
	}
	if got := scale(time.Duration(math.MaxInt64/2+1), 2); got != math.MaxInt64 {
		t.Fatalf("scale = %v, want saturation", got)
	}
}

func TestCheck_SkipsIneligibleTasks(t *testing.T) {
	e := NewEvaluator(2)
	late := base.Add(48 * time.Hour)

	cases := []struct {
		name string
		task *persistence.Task
	}{
		{"nil", nil},
		{"paused", withStatus(recurring("1m", base), persistence.TaskStatusPaused)},
		{"completed", withStatus(recurring("1m", base), persistence.TaskStatusCompleted)},
		{"no cadence", recurring("", base)},
		{"malformed cadence", recurring("soon", base)},
		{"default kind", &persistence.Task{Kind: persistence.KindDefault, Status: persistence.TaskStatusActive, Cadence: "1m", LastUpdate: base}},
		{"project uses status interval", &persistence.Task{Kind: persistence.KindProject, Status: persistence.TaskStatusActive, Cadence: "1m", LastUpdate: base}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if e.IsOverdue(late, tc.task, Immediate) {
				t.Fatalf("%s should never be overdue", tc.name)
			}
		})
	}
}

func TestCheck_ProjectStatusInterval(t *testing.T) {
	e := NewEvaluator(2)
	task := &persistence.Task{
		Kind:           persistence.KindProject,
		Status:         persistence.TaskStatusActive,
		StatusInterval: "daily",
		LastUpdate:     base,
	}
	if e.IsOverdue(base.Add(24*time.Hour), task, Immediate) {
		t.Fatal("exactly one day is not overdue")
	}
	if !e.IsOverdue(base.Add(25*time.Hour), task, Immediate) {
		t.Fatal("25h past a daily interval is overdue")
	}
}

func TestFilter_KeepsInputOrder(t *testing.T) {
	e := NewEvaluator(2)
	tasks := []persistence.Task{
		*recurring("10m", base),
		*recurring("bad", base),
		*recurring("1h", base),
		*recurring("1m", base),
	}
	tasks[0].ID, tasks[1].ID, tasks[2].ID, tasks[3].ID = "a", "b", "c", "d"

	got := e.Filter(base.Add(20*time.Minute), tasks, Immediate)
	if len(got) != 2 || got[0].Task.ID != "a" || got[1].Task.ID != "d" {
		t.Fatalf("filter = %+v", got)
	}
}

func TestNewEvaluator_DefaultThreshold(t *testing.T) {
	if got := NewEvaluator(-1).Threshold(); got != DefaultThreshold {
		t.Fatalf("threshold = %v", got)
	}
	if Monitoring.String() != "monitoring" || Immediate.String() != "immediate" {
		t.Fatal("policy names")
	}
}

func TestIsIdle(t *testing.T) {
	mode := &persistence.DefaultMode{Name: "triage"}
	cases := []struct {
		name  string
		agent *persistence.AgentConfig
		now   time.Time
		want  bool
	}{
		{"nil agent", nil, base, false},
		{"no default mode, ancient check-in", &persistence.AgentConfig{LastCheckIn: base.Add(-72 * time.Hour)}, base, false},
		{"no default mode, never checked in", &persistence.AgentConfig{}, base, false},
		{"never checked in", &persistence.AgentConfig{DefaultMode: mode}, base, true},
		{"at global threshold", &persistence.AgentConfig{DefaultMode: mode, LastCheckIn: base.Add(-30 * time.Minute)}, base, false},
		{"past global threshold", &persistence.AgentConfig{DefaultMode: mode, LastCheckIn: base.Add(-31 * time.Minute)}, base, true},
		{"own threshold longer", &persistence.AgentConfig{DefaultMode: mode, IdleThreshold: "2h", LastCheckIn: base.Add(-90 * time.Minute)}, base, false},
		{"own threshold shorter", &persistence.AgentConfig{DefaultMode: mode, IdleThreshold: "5m", LastCheckIn: base.Add(-6 * time.Minute)}, base, true},
		{"malformed own threshold falls back", &persistence.AgentConfig{DefaultMode: mode, IdleThreshold: "later", LastCheckIn: base.Add(-20 * time.Minute)}, base, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsIdle(tc.now, tc.agent, 0); got != tc.want {
				t.Fatalf("IsIdle = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIdleThreshold_Fallback(t *testing.T) {
	if got := IdleThreshold(nil, time.Hour); got != time.Hour {
		t.Fatalf("threshold = %v", got)
	}
	if got := IdleThreshold(&persistence.AgentConfig{IdleThreshold: "15m"}, time.Hour); got != 15*time.Minute {
		t.Fatalf("threshold = %v", got)
	}
}
