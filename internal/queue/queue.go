// Package queue builds the pull queue an agent retrieves on its own
// initiative: overdue recurring work, most overdue first, then idle mode.
package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/overdue"
	"github.com/basket/taskpulse/internal/persistence"
)

// NothingToDo is the whole message when there is neither overdue work nor
// an idle mode.
const NothingToDo = "Nothing to do: no recurring work is due and no idle mode is configured."

// Item is one overdue recurring task in the queue.
type Item struct {
	TaskID         string        `json:"task_id"`
	Name           string        `json:"name"`
	Instructions   string        `json:"instructions,omitempty"`
	Cadence        string        `json:"cadence"`
	Elapsed        time.Duration `json:"elapsed"`
	OverdueMinutes int64         `json:"overdue_minutes"`
}

// Queue is the ordered work for one agent.
type Queue struct {
	AgentID string                   `json:"agent_id"`
	Items   []Item                   `json:"items"`
	Idle    *persistence.DefaultMode `json:"idle,omitempty"`
	Message string                   `json:"message"`
}

// Empty reports whether the queue holds neither overdue work nor idle mode.
func (q Queue) Empty() bool {
	return len(q.Items) == 0 && q.Idle == nil
}

// Build orders the agent's immediate-overdue recurring tasks by overdue
// minutes, descending. Ties keep the agent's recurring-id order. tasks may
// hold any superset of the agent's recurring tasks; ids without a matching
// task are skipped.
func Build(now time.Time, agent *persistence.AgentConfig, tasks []persistence.Task, eval *overdue.Evaluator) Queue {
	q := Queue{}
	if agent == nil {
		q.Message = Render(q)
		return q
	}
	q.AgentID = agent.AgentID

	byID := make(map[string]*persistence.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	for _, id := range agent.RecurringTaskIDs {
		t, ok := byID[id]
		if !ok || t.Kind != persistence.KindRecurring {
			continue
		}
		f, ok := eval.Check(now, t, overdue.Immediate)
		if !ok {
			continue
		}
		q.Items = append(q.Items, Item{
			TaskID:         t.ID,
			Name:           t.Name,
			Instructions:   t.Instructions,
			Cadence:        t.Cadence,
			Elapsed:        f.Elapsed,
			OverdueMinutes: f.OverdueMinutes(),
		})
	}
	sort.SliceStable(q.Items, func(i, j int) bool {
		return q.Items[i].OverdueMinutes > q.Items[j].OverdueMinutes
	})
	if agent.DefaultMode != nil {
		mode := *agent.DefaultMode
		q.Idle = &mode
	}
	q.Message = Render(q)
	return q
}

// Render produces the composite message for q. The idle block always
// follows the overdue block.
func Render(q Queue) string {
	if q.Empty() {
		return NothingToDo
	}
	var b strings.Builder
	if len(q.Items) > 0 {
		noun := "task"
		if len(q.Items) > 1 {
			noun = "tasks"
		}
		fmt.Fprintf(&b, "You have %d overdue recurring %s. Do them now, most overdue first.\n", len(q.Items), noun)
		for i, it := range q.Items {
			fmt.Fprintf(&b, "\n%d. %s [%s] every %s, last done %s ago\n", i+1, it.Name, it.TaskID, it.Cadence, duration.Format(it.Elapsed))
			if it.Instructions != "" {
				fmt.Fprintf(&b, "   %s\n", it.Instructions)
			}
			fmt.Fprintf(&b, "   When done: taskpulse task update %s --outcome success --message \"<what you did>\"\n", it.TaskID)
		}
	}
	if q.Idle != nil {
		if len(q.Items) > 0 {
			b.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&b, "When nothing else is due: %s\n", q.Idle.Name)
		if q.Idle.Instructions != "" {
			fmt.Fprintf(&b, "   %s\n", q.Idle.Instructions)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
