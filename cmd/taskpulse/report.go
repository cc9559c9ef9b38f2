package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/tui"
	"github.com/basket/taskpulse/internal/wake"
)

var overdueCmd = &cobra.Command{
	Use:   "overdue",
	Short: "List active tasks past their interval times the overdue threshold",
	RunE:  runOverdue,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show status updates, check-ins and pulls",
	RunE:  runHistory,
}

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show every agent's due work, stalls, idleness and wake state",
	RunE:  runBoard,
}

func init() {
	historyCmd.Flags().String("task", "", "only this task's history")
	historyCmd.Flags().Int("limit", 50, "maximum entries")

	boardCmd.Flags().Bool("watch", false, "keep the board open and refresh it")
	boardCmd.Flags().Duration("refresh", 5*time.Second, "refresh period with --watch")

	rootCmd.AddCommand(overdueCmd, historyCmd, boardCmd)
}

func runOverdue(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app) error {
		groups, err := a.svc.FleetOverdue(cmd.Context())
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), groups, func(w io.Writer) {
			if len(groups) == 0 {
				fmt.Fprintln(w, color.GreenString("Nothing is overdue."))
				return
			}
			for _, g := range groups {
				fmt.Fprintln(w, color.CyanString(g.AgentID))
				for _, f := range g.Findings {
					fmt.Fprintf(w, "  %s %-28s %-9s last update %s ago, expected every %s\n",
						color.RedString("!"), f.Task.Name, f.Task.Kind,
						duration.Format(f.Elapsed), duration.Format(f.Interval))
				}
			}
		})
	})
}

func runHistory(cmd *cobra.Command, _ []string) error {
	taskID, _ := cmd.Flags().GetString("task")
	limit, _ := cmd.Flags().GetInt("limit")
	return withApp(cmd, func(a *app) error {
		entries, err := a.svc.History(cmd.Context(), taskID, limit)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No history.")
				return
			}
			printHistory(w, entries)
		})
	})
}

func printHistory(w io.Writer, entries []persistence.StatusUpdate) {
	for _, e := range entries {
		subject := e.TaskID
		switch e.TaskID {
		case persistence.HistoryCheckIn, persistence.HistoryPull:
			subject = e.AgentID
		}
		line := fmt.Sprintf("%s  %-36s %s", e.Timestamp.Local().Format("2006-01-02 15:04"), subject, e.Message)
		if e.Outcome != "" {
			line += fmt.Sprintf(" [%s]", e.Outcome)
		}
		fmt.Fprintln(w, line)
	}
}

func (a *app) boardSnapshot(ctx context.Context) tui.Snapshot {
	now := time.Now()
	agents, err := a.store.ListAgents(ctx)
	if err != nil {
		return tui.Snapshot{At: now, Err: err}
	}
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return tui.Snapshot{At: now, Err: err}
	}
	st, err := wake.NewKVStateStore(a.store).Load(ctx)
	if err != nil {
		// Unreadable engine memory only hides the wake column.
		a.logger.Warn("board: wake state unreadable", "error", err)
		st = nil
	}
	rows := tui.BuildBoard(now, agents, tasks, st, a.svc.Evaluator(), a.svc.IdleThreshold())
	return tui.Snapshot{At: now, Rows: rows}
}

func runBoard(cmd *cobra.Command, _ []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	refresh, _ := cmd.Flags().GetDuration("refresh")
	return withApp(cmd, func(a *app) error {
		ctx := cmd.Context()
		if watch && !jsonOutput && isatty.IsTerminal(os.Stdout.Fd()) {
			return tui.Run(ctx, func() tui.Snapshot { return a.boardSnapshot(ctx) }, refresh)
		}
		snap := a.boardSnapshot(ctx)
		if snap.Err != nil {
			return snap.Err
		}
		return emit(cmd.OutOrStdout(), snap.Rows, func(w io.Writer) {
			fmt.Fprintln(w, tui.Summary(snap.Rows))
			fmt.Fprint(w, tui.RenderBoard(snap.At, snap.Rows))
		})
	})
}
