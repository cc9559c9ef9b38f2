package wake

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
)

// trigger is why an agent needs waking this tick.
type trigger struct {
	agentID string
	overdue []overdue.Finding
	idle    bool
	mode    *persistence.DefaultMode
	idleFor time.Duration // zero when the agent never checked in
}

func (t trigger) active() bool {
	return len(t.overdue) > 0 || t.idle
}

func (t trigger) taskIDs() []string {
	ids := make([]string, 0, len(t.overdue))
	for _, f := range t.overdue {
		ids = append(ids, f.Task.ID)
	}
	return ids
}

// snapshot is the latest LastUpdate across the overdue tasks.
func (t trigger) snapshot() time.Time {
	var latest time.Time
	for _, f := range t.overdue {
		if f.Task.LastUpdate.After(latest) {
			latest = f.Task.LastUpdate
		}
	}
	return latest
}

func (t trigger) details() string {
	var b strings.Builder
	for _, f := range t.overdue {
		fmt.Fprintf(&b, "- %s [%s]: last update %s ago, expected every %s\n",
			f.Task.Name, f.Task.ID, duration.Format(f.Elapsed), duration.Format(f.Interval))
	}
	if t.idle {
		name := ""
		if t.mode != nil {
			name = t.mode.Name
		}
		if t.idleFor > 0 {
			fmt.Fprintf(&b, "- idle: no check-in for %s (idle mode: %s)\n", duration.Format(t.idleFor), name)
		} else {
			fmt.Fprintf(&b, "- idle: never checked in (idle mode: %s)\n", name)
		}
	}
	return b.String()
}

func silentMessage(t trigger) string {
	return fmt.Sprintf("Wake up, %s. Work is waiting:\n%sRun: taskpulse agent pull %s",
		t.agentID, t.details(), t.agentID)
}

func fallbackMessage(t trigger) string {
	return fmt.Sprintf("%s could not be reached quietly and has work waiting:\n%sRun: taskpulse agent pull %s",
		t.agentID, t.details(), t.agentID)
}

func escalationMessage(t trigger, pending *PendingWake, now time.Time) string {
	return fmt.Sprintf("%s has not responded to a wake sent %s ago:\n%sRun: taskpulse agent pull %s",
		t.agentID, duration.Format(now.Sub(pending.WakeTime)), t.details(), t.agentID)
}
