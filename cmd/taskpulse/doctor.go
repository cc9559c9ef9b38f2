package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage, channels and routes",
	RunE:  runDoctor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskpulse %s\n", Version)
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <dest>",
	Short: "Write a consistent copy of the database to dest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", a.cfg.DBPath, args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd, versionCmd, backupCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	// A broken config is what doctor is for, so keep going and report it.
	cfg, loadErr := config.Load()
	diag := doctor.Run(cmd.Context(), &cfg, Version)
	if loadErr != nil {
		for i := range diag.Results {
			if diag.Results[i].Name == "Config" {
				diag.Results[i] = doctor.CheckResult{Name: "Config", Status: doctor.Fail, Message: loadErr.Error()}
			}
		}
	}

	err := emit(cmd.OutOrStdout(), diag, func(w io.Writer) {
		printDiagnosis(w, diag)
	})
	if err != nil {
		return err
	}
	if diag.Failed() {
		return errFailed
	}
	return nil
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "taskpulse doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		icon := color.GreenString("✓")
		switch res.Status {
		case doctor.Fail:
			icon = color.RedString("✗")
		case doctor.Warn:
			icon = color.YellowString("!")
		case doctor.Skip:
			icon = color.HiBlackString("-")
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
