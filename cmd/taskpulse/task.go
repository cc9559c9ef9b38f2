package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/tracker"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Long: `Create a project, recurring or default task for an agent.

Project tasks report progress every --status-interval (default from config).
Recurring tasks are due every --cadence, e.g. 30m, 6h, 1d or daily.`,
	RunE: runTaskCreate,
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Record progress on a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUpdate,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its recent history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskActivateCmd = &cobra.Command{
	Use:   "activate <task-id>",
	Short: "Make a project task its owner's active task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskActivate,
}

type lifecycleOp func(*tracker.Service, context.Context, string, string) (*persistence.Task, error)

func init() {
	taskCreateCmd.Flags().String("name", "", "task name (required)")
	taskCreateCmd.Flags().String("agent", "", "owning agent id (required)")
	taskCreateCmd.Flags().String("kind", string(persistence.KindProject), "project, recurring or default")
	taskCreateCmd.Flags().String("cadence", "", "recurring cadence, e.g. 6h or daily")
	taskCreateCmd.Flags().String("status-interval", "", "project status interval, e.g. 2h")
	taskCreateCmd.Flags().String("instructions", "", "what the agent should do")
	taskCreateCmd.Flags().StringSlice("helper", nil, "helper agent ids")
	_ = taskCreateCmd.MarkFlagRequired("name")
	_ = taskCreateCmd.MarkFlagRequired("agent")

	taskUpdateCmd.Flags().String("message", "", "progress note")
	taskUpdateCmd.Flags().String("outcome", "", "success, failure or in-progress")

	taskShowCmd.Flags().Int("history", 10, "history entries to show")

	taskListCmd.Flags().String("agent", "", "only tasks owned by this agent")
	taskListCmd.Flags().String("status", "", "active, paused, completed or abandoned")
	taskListCmd.Flags().String("kind", "", "project, recurring or default")

	taskCmd.AddCommand(taskCreateCmd, taskUpdateCmd, taskShowCmd, taskListCmd, taskActivateCmd)
	taskCmd.AddCommand(
		lifecycleCommand("complete", "Mark a task completed", (*tracker.Service).Complete),
		lifecycleCommand("pause", "Pause a task so it is never overdue", (*tracker.Service).Pause),
		lifecycleCommand("resume", "Resume a paused task", (*tracker.Service).Resume),
		lifecycleCommand("abandon", "Abandon a task", (*tracker.Service).Abandon),
	)
	rootCmd.AddCommand(taskCmd)
}

func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), appOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runTaskCreate(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	in := tracker.NewTask{Kind: persistence.TaskKind(flagString(f.GetString("kind")))}
	in.Name, _ = f.GetString("name")
	in.AgentID, _ = f.GetString("agent")
	in.Cadence, _ = f.GetString("cadence")
	in.StatusInterval, _ = f.GetString("status-interval")
	in.Instructions, _ = f.GetString("instructions")
	in.Helpers, _ = f.GetStringSlice("helper")

	return withApp(cmd, func(a *app) error {
		t, err := a.svc.CreateTask(cmd.Context(), in)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), t, func(w io.Writer) {
			fmt.Fprintf(w, "%s created %s task %s\n", color.GreenString("✓"), t.Kind, color.CyanString(t.ID))
			printTask(w, t)
		})
	})
}

func runTaskUpdate(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	outcome, _ := cmd.Flags().GetString("outcome")
	return withApp(cmd, func(a *app) error {
		t, err := a.svc.UpdateStatus(cmd.Context(), args[0], message, persistence.Outcome(outcome))
		if err != nil {
			return err
		}
		if t == nil {
			return taskNotFound(args[0])
		}
		return emit(cmd.OutOrStdout(), t, func(w io.Writer) {
			fmt.Fprintf(w, "%s updated %s at %s\n", color.GreenString("✓"), t.ID, t.LastUpdate.Local().Format(time.Kitchen))
		})
	})
}

func lifecycleCommand(use, short string, op lifecycleOp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			return withApp(cmd, func(a *app) error {
				t, err := op(a.svc, cmd.Context(), args[0], message)
				if err != nil {
					return err
				}
				if t == nil {
					return taskNotFound(args[0])
				}
				return emit(cmd.OutOrStdout(), t, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s is now %s\n", color.GreenString("✓"), t.ID, statusColor(t.Status))
				})
			})
		},
	}
	cmd.Flags().String("message", "", "note recorded in the task history")
	return cmd
}

func runTaskActivate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		t, err := a.svc.Task(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if t == nil {
			return taskNotFound(args[0])
		}
		agent, err := a.svc.Activate(cmd.Context(), t.AgentID, t.ID)
		if err != nil {
			return err
		}
		if agent == nil {
			return taskNotFound(args[0])
		}
		return emit(cmd.OutOrStdout(), agent, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s is working on %q\n", color.GreenString("✓"), agent.AgentID, t.Name)
		})
	})
}

type taskDetail struct {
	Task    *persistence.Task          `json:"task"`
	History []persistence.StatusUpdate `json:"history"`
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("history")
	return withApp(cmd, func(a *app) error {
		t, err := a.svc.Task(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if t == nil {
			return taskNotFound(args[0])
		}
		history, err := a.svc.History(cmd.Context(), t.ID, limit)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), taskDetail{Task: t, History: history}, func(w io.Writer) {
			printTask(w, t)
			if len(history) > 0 {
				fmt.Fprintln(w)
				printHistory(w, history)
			}
		})
	})
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	filter := tracker.TaskFilter{
		AgentID: flagString(f.GetString("agent")),
		Status:  persistence.TaskStatus(flagString(f.GetString("status"))),
		Kind:    persistence.TaskKind(flagString(f.GetString("kind"))),
	}
	return withApp(cmd, func(a *app) error {
		tasks, err := a.svc.ListTasks(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), tasks, func(w io.Writer) {
			if len(tasks) == 0 {
				fmt.Fprintln(w, "No tasks.")
				return
			}
			for i := range tasks {
				t := &tasks[i]
				interval := t.Interval()
				if interval == "" {
					interval = "-"
				}
				fmt.Fprintf(w, "%s  %-9s %-10s %-12s every %-6s %s\n",
					color.CyanString(t.ID), t.Kind, statusColor(t.Status), t.AgentID, interval, t.Name)
			}
		})
	})
}

func printTask(w io.Writer, t *persistence.Task) {
	fmt.Fprintf(w, "Task:        %s\n", t.Name)
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Kind:        %s\n", t.Kind)
	fmt.Fprintf(w, "Agent:       %s\n", t.AgentID)
	if len(t.Helpers) > 0 {
		fmt.Fprintf(w, "Helpers:     %s\n", strings.Join(t.Helpers, ", "))
	}
	fmt.Fprintf(w, "Status:      %s\n", statusColor(t.Status))
	if iv := t.Interval(); iv != "" {
		fmt.Fprintf(w, "Interval:    %s\n", iv)
	}
	fmt.Fprintf(w, "Last update: %s\n", t.LastUpdate.Local().Format(time.RFC3339))
	if t.LastOutcome != "" {
		fmt.Fprintf(w, "Outcome:     %s\n", t.LastOutcome)
	}
	if t.Instructions != "" {
		fmt.Fprintf(w, "Instructions:\n  %s\n", t.Instructions)
	}
}

func statusColor(s persistence.TaskStatus) string {
	switch s {
	case persistence.TaskStatusActive:
		return color.GreenString(string(s))
	case persistence.TaskStatusPaused:
		return color.YellowString(string(s))
	case persistence.TaskStatusAbandoned:
		return color.RedString(string(s))
	}
	return string(s)
}

func taskNotFound(id string) error {
	return fmt.Errorf("task %s not found", id)
}

func flagString(v string, _ error) string { return v }
