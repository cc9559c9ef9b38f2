// Package tui renders the fleet board, once or as a live view.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is one refresh of the board.
type Snapshot struct {
	At   time.Time
	Rows []BoardRow
	Err  error
}

type SnapshotProvider func() Snapshot

type model struct {
	provider SnapshotProvider
	refresh  time.Duration
	snap     Snapshot
}

type tickMsg time.Time

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.snap = m.provider()
			return m, nil
		}
	case tickMsg:
		m.snap = m.provider()
		return m, m.tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	head := headerStyle.Render("taskpulse") + dimStyle.Render(m.snap.At.Local().Format("15:04:05"))
	if m.snap.Err != nil {
		return fmt.Sprintf("%s\n\n%s\n\n%s\n", head,
			alertStyle.Render("refresh failed: "+m.snap.Err.Error()),
			dimStyle.Render("r refresh, q quit"))
	}
	return fmt.Sprintf("%s\n%s\n\n%s\n%s\n", head,
		cellStyle.Render(Summary(m.snap.Rows)),
		RenderBoard(m.snap.At, m.snap.Rows),
		dimStyle.Render(fmt.Sprintf("refreshes every %s; r refresh, q quit", m.refresh)))
}

// Run shows the live board until the user quits or ctx is done.
func Run(ctx context.Context, provider SnapshotProvider, refresh time.Duration) error {
	defer bestEffortResetTTY()
	if refresh <= 0 {
		refresh = 5 * time.Second
	}

	m := model{provider: provider, refresh: refresh, snap: provider()}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
