// Package main is the entry point for the Conveyor CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// configPath is the --config flag shared by every command
var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Move labelled GitHub issues through an AI delivery pipeline",
		Long: `Conveyor polls a GitHub repository for issues labelled for it and drives
each one through triage, design, development, code review and optional QA,
recording every step as an issue comment and a stage label.

Stage labels are the only state: stop the process at any time and the next
run resumes from whatever the labels say.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: conveyor.yaml in . or $CONVEYOR_HOME)")

	rootCmd.AddCommand(
		runCmd(),
		onceCmd(),
		labelsCmd(),
		recurringCmd(),
		historyCmd(),
		worktreeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
