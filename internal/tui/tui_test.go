package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestView_ShowsSummaryAndRows(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m := model{
		refresh: 5 * time.Second,
		snap: Snapshot{
			At: now,
			Rows: []BoardRow{
				{AgentID: "alpha", DueNow: 2, Stalled: 1, LastCheckIn: now.Add(-10 * time.Minute)},
				{AgentID: "beta", Mode: "triage", Idle: true},
			},
		},
	}
	view := m.View()
	for _, want := range []string{
		"2 agents, 2 recurring due, 1 stalled, 1 idle, 0 awaiting ack",
		"alpha",
		"beta",
		"triage",
		"10m ago",
		"q quit",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_RefreshError(t *testing.T) {
	m := model{snap: Snapshot{At: time.Now(), Err: errors.New("database is locked")}}
	if view := m.View(); !strings.Contains(view, "refresh failed: database is locked") {
		t.Fatalf("expected error in view, got:\n%s", view)
	}
}

func TestModel_HeadlessUpdate(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{At: time.Now(), Rows: []BoardRow{{AgentID: "alpha"}}}
	}
	m := model{provider: provider, refresh: time.Second}

	if cmd := m.Init(); cmd == nil {
		t.Fatal("expected Init to return a tick cmd")
	}

	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected the next tick to be scheduled")
	}
	if got := updated.(model); len(got.snap.Rows) != 1 || calls != 1 {
		t.Fatalf("expected snapshot refreshed once, calls=%d rows=%d", calls, len(got.snap.Rows))
	}

	updated, cmd = updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if cmd != nil {
		t.Fatal("manual refresh should not schedule a tick")
	}
	if calls != 2 {
		t.Fatalf("expected manual refresh to call provider, calls=%d", calls)
	}

	_, quit := updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if quit == nil {
		t.Fatal("expected quit command on 'q' key")
	}
}
