package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/queue"
	"github.com/basket/taskpulse/internal/wake"
)

// BoardRow is one agent's line on the fleet board.
type BoardRow struct {
	AgentID    string `json:"agent_id"`
	Mode       string `json:"mode,omitempty"`
	ActiveTask string `json:"active_task,omitempty"`
	// StatusDue is set when the active task is past its status interval.
	StatusDue bool `json:"status_due"`
	// DueNow counts recurring tasks past their cadence.
	DueNow int `json:"due_now"`
	// Stalled counts active tasks past interval*threshold.
	Stalled     int        `json:"stalled"`
	Idle        bool       `json:"idle"`
	LastCheckIn time.Time  `json:"last_check_in"`
	LastWake    time.Time  `json:"last_wake"`
	PendingWake *time.Time `json:"pending_wake,omitempty"`
}

// BuildBoard summarizes every agent. st may be nil when the wake engine has
// never run.
func BuildBoard(now time.Time, agents []persistence.AgentConfig, tasks []persistence.Task, st *wake.State, eval *overdue.Evaluator, idleThreshold time.Duration) []BoardRow {
	byAgent := map[string][]persistence.Task{}
	for _, t := range tasks {
		byAgent[t.AgentID] = append(byAgent[t.AgentID], t)
	}

	rows := make([]BoardRow, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		owned := byAgent[a.AgentID]
		row := BoardRow{
			AgentID:     a.AgentID,
			DueNow:      len(queue.Build(now, a, owned, eval).Items),
			Stalled:     len(eval.Filter(now, owned, overdue.Monitoring)),
			Idle:        overdue.IsIdle(now, a, idleThreshold),
			LastCheckIn: a.LastCheckIn,
		}
		if a.DefaultMode != nil {
			row.Mode = a.DefaultMode.Name
		}
		for j := range owned {
			if owned[j].ID != a.ActiveTaskID {
				continue
			}
			row.ActiveTask = owned[j].Name
			row.StatusDue = eval.IsOverdue(now, &owned[j], overdue.Immediate)
		}
		if as := st.Agent(a.AgentID); as != nil {
			row.LastWake = as.LastWake
			if as.Pending != nil {
				at := as.Pending.WakeTime
				row.PendingWake = &at
			}
		}
		rows = append(rows, row)
	}
	return rows
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Padding(0, 1)
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var boardHeaders = []string{"AGENT", "MODE", "ACTIVE TASK", "DUE", "STALLED", "CHECK-IN", "WAKE"}

const (
	colDue     = 3
	colStalled = 4
	colCheckIn = 5
	colWake    = 6
)

// RenderBoard draws rows as a bordered table.
func RenderBoard(now time.Time, rows []BoardRow) string {
	if len(rows) == 0 {
		return dimStyle.Render("No agents yet. Create a task or run `taskpulse agent configure`.") + "\n"
	}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		active := orDash(r.ActiveTask)
		if r.StatusDue {
			active += " (status due)"
		}
		cells = append(cells, []string{
			r.AgentID,
			orDash(r.Mode),
			active,
			strconv.Itoa(r.DueNow),
			strconv.Itoa(r.Stalled),
			checkInCell(now, r),
			wakeCell(now, r),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(boardHeaders...).
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(rows) {
				return cellStyle
			}
			r := rows[row]
			switch col {
			case colDue:
				if r.DueNow > 0 {
					return warnStyle
				}
				return dimStyle
			case colStalled:
				if r.Stalled > 0 {
					return alertStyle
				}
				return dimStyle
			case colCheckIn:
				if r.Idle {
					return warnStyle
				}
			case colWake:
				if r.PendingWake != nil {
					return warnStyle
				}
				return dimStyle
			}
			return cellStyle
		})
	return t.String() + "\n"
}

func checkInCell(now time.Time, r BoardRow) string {
	s := ago(now, r.LastCheckIn)
	if r.Idle {
		s += " idle"
	}
	return s
}

func wakeCell(now time.Time, r BoardRow) string {
	if r.PendingWake != nil {
		return "pending " + ago(now, *r.PendingWake)
	}
	if r.LastWake.IsZero() {
		return "-"
	}
	return "woken " + ago(now, r.LastWake)
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return duration.Format(d) + " ago"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Summary is the one-line fleet headline shown above the board.
func Summary(rows []BoardRow) string {
	var due, stalled, idle, pending int
	for _, r := range rows {
		due += r.DueNow
		stalled += r.Stalled
		if r.Idle {
			idle++
		}
		if r.PendingWake != nil {
			pending++
		}
	}
	return fmt.Sprintf("%d agents, %d recurring due, %d stalled, %d idle, %d awaiting ack", len(rows), due, stalled, idle, pending)
}
