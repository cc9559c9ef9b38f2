package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskpulse/internal/channels"
	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/tracker"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent check-ins, queues and configuration",
}

var agentConfigureCmd = &cobra.Command{
	Use:   "configure <agent-id>",
	Short: "Set an agent's default mode and idle threshold",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentConfigure,
}

var agentCheckInCmd = &cobra.Command{
	Use:   "checkin <agent-id>",
	Short: "Record that an agent is alive and working",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentCheckIn,
}

var agentPullCmd = &cobra.Command{
	Use:   "pull <agent-id>",
	Short: "Print the agent's overdue recurring work, most overdue first",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentPull,
}

var agentContextCmd = &cobra.Command{
	Use:   "context <agent-id>",
	Short: "Print the agent's active task, status check and queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentContext,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent configs",
	RunE:  runAgentList,
}

var agentIdleCmd = &cobra.Command{
	Use:   "idle",
	Short: "List agents due an idle reminder",
	RunE:  runAgentIdle,
}

var agentRouteCmd = &cobra.Command{
	Use:   "route <agent-id>",
	Short: "Set where an agent's wake messages go",
	Long: `Set the silent and visible endpoints for an agent's wake messages.
Endpoints are channel:target, e.g. gateway:agent-7, slack:C0123 or
telegram:123456. The route is written to config.yaml; a running daemon
picks it up without a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentRoute,
}

func init() {
	agentConfigureCmd.Flags().String("mode", "", "default mode name, used when nothing is due")
	agentConfigureCmd.Flags().String("mode-instructions", "", "what to do in the default mode")
	agentConfigureCmd.Flags().Bool("clear-mode", false, "remove the default mode")
	agentConfigureCmd.Flags().String("idle-threshold", "", "idle reminder threshold for this agent, e.g. 45m")

	agentCheckInCmd.Flags().String("message", "", "note recorded in the history")

	agentIdleCmd.Flags().String("threshold", "", "override the global idle threshold")

	agentRouteCmd.Flags().String("silent", "", "silent endpoint channel:target (required)")
	agentRouteCmd.Flags().String("visible", "", "visible endpoint channel:target (required)")
	_ = agentRouteCmd.MarkFlagRequired("silent")
	_ = agentRouteCmd.MarkFlagRequired("visible")

	agentCmd.AddCommand(agentConfigureCmd, agentCheckInCmd, agentPullCmd, agentContextCmd, agentListCmd, agentIdleCmd, agentRouteCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentConfigure(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var u tracker.AgentUpdate
	if name := flagString(f.GetString("mode")); name != "" {
		u.DefaultMode = &persistence.DefaultMode{Name: name, Instructions: flagString(f.GetString("mode-instructions"))}
	}
	u.ClearDefaultMode, _ = f.GetBool("clear-mode")
	if f.Changed("idle-threshold") {
		v := flagString(f.GetString("idle-threshold"))
		u.IdleThreshold = &v
	}
	if u.DefaultMode != nil && u.ClearDefaultMode {
		return fmt.Errorf("--mode and --clear-mode are mutually exclusive")
	}
	return withApp(cmd, func(a *app) error {
		agent, err := a.svc.ConfigureAgent(cmd.Context(), args[0], u)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), agent, func(w io.Writer) {
			fmt.Fprintf(w, "%s configured %s\n", color.GreenString("✓"), agent.AgentID)
			printAgent(w, agent)
		})
	})
}

func runAgentCheckIn(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	return withApp(cmd, func(a *app) error {
		agent, err := a.svc.CheckIn(cmd.Context(), args[0], message)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), agent, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s checked in\n", color.GreenString("✓"), agent.AgentID)
		})
	})
}

func runAgentPull(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		q, err := a.svc.Pull(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), q, func(w io.Writer) {
			fmt.Fprint(w, q.Message)
			if !strings.HasSuffix(q.Message, "\n") {
				fmt.Fprintln(w)
			}
		})
	})
}

func runAgentContext(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		c, err := a.svc.AgentContext(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("agent %s not found", args[0])
		}
		return emit(cmd.OutOrStdout(), c, func(w io.Writer) {
			fmt.Fprint(w, c.Message)
			if !strings.HasSuffix(c.Message, "\n") {
				fmt.Fprintln(w)
			}
		})
	})
}

func runAgentList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app) error {
		agents, err := a.svc.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), agents, func(w io.Writer) {
			if len(agents) == 0 {
				fmt.Fprintln(w, "No agents.")
				return
			}
			for i := range agents {
				printAgent(w, &agents[i])
				fmt.Fprintln(w)
			}
		})
	})
}

func runAgentIdle(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("threshold")
	var threshold time.Duration
	if raw != "" {
		d, err := duration.Parse(raw)
		if err != nil {
			return fmt.Errorf("--threshold: %w", err)
		}
		threshold = d
	}
	return withApp(cmd, func(a *app) error {
		idle, err := a.svc.IdleAgents(cmd.Context(), threshold)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), idle, func(w io.Writer) {
			if len(idle) == 0 {
				fmt.Fprintln(w, "No idle agents.")
				return
			}
			for _, ia := range idle {
				since := "never checked in"
				if ia.IdleFor > 0 {
					since = "idle " + duration.Format(ia.IdleFor)
				}
				fmt.Fprintf(w, "%-16s %-20s threshold %-5s mode %s\n",
					ia.Agent.AgentID, since, duration.Format(ia.Threshold), ia.Agent.DefaultMode.Name)
			}
		})
	})
}

func runAgentRoute(cmd *cobra.Command, args []string) error {
	silent, err := parseEndpoint(flagString(cmd.Flags().GetString("silent")))
	if err != nil {
		return fmt.Errorf("--silent: %w", err)
	}
	visible, err := parseEndpoint(flagString(cmd.Flags().GetString("visible")))
	if err != nil {
		return fmt.Errorf("--visible: %w", err)
	}
	route := channels.Route{Silent: silent, Visible: visible}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := channels.Validate(map[string]channels.Route{args[0]: route}, cfg.Channels.Enabled()); err != nil {
		return err
	}
	if err := config.SetRoute(cfg.HomeDir, args[0], route); err != nil {
		return err
	}
	return emit(cmd.OutOrStdout(), map[string]channels.Route{args[0]: route}, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s: silent %s, visible %s\n", color.GreenString("✓"), args[0], silent, visible)
	})
}

func parseEndpoint(s string) (channels.Endpoint, error) {
	ch, target, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || ch == "" || target == "" {
		return channels.Endpoint{}, fmt.Errorf("want channel:target, got %q", s)
	}
	return channels.Endpoint{Channel: ch, Target: target}, nil
}

func printAgent(w io.Writer, a *persistence.AgentConfig) {
	fmt.Fprintf(w, "Agent:       %s\n", color.CyanString(a.AgentID))
	if a.DefaultMode != nil {
		fmt.Fprintf(w, "Mode:        %s\n", a.DefaultMode.Name)
	}
	if a.ActiveTaskID != "" {
		fmt.Fprintf(w, "Active task: %s\n", a.ActiveTaskID)
	}
	if n := len(a.RecurringTaskIDs); n > 0 {
		fmt.Fprintf(w, "Recurring:   %d task(s)\n", n)
	}
	if a.IdleThreshold != "" {
		fmt.Fprintf(w, "Idle after:  %s\n", a.IdleThreshold)
	}
	if a.LastCheckIn.IsZero() {
		fmt.Fprintln(w, "Check-in:    never")
	} else {
		fmt.Fprintf(w, "Check-in:    %s\n", a.LastCheckIn.Local().Format("2006-01-02 15:04:05"))
	}
}
