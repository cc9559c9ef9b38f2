package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskpulse/internal/otel"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = otel.Version

const logo = `
 _             _                 _
| |_ __ _ ___| | ___ __  _  _ | |___ ___
|  _/ _' (_-<| |/ / '_ \| || || (_-</ -_)
 \__\__,_/__/|_\_\ .__/ \_,_||_/__/\___|
                 |_|
`

var rootCmd = &cobra.Command{
	Use:   "taskpulse",
	Short: "Task tracking and wake scheduling for autonomous agents",
	Long: color.CyanString(logo) + `
taskpulse keeps a shared ledger of agent tasks, tells agents what is overdue
and wakes idle or stalled agents through their configured channels.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
}

// errFailed carries a non-zero exit without an extra error line; the
// command has already printed its own report.
var errFailed = errors.New("failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		}
		os.Exit(1)
	}
}
