// Package main is the CLI entry point: it wires the Model Streaming
// Client, Exec Runner, Hook Pipeline and Turn Engine into a Session and
// drives one turn per invocation, emitting the resulting events as JSON
// lines on stdout.
//
// Grounded on cmd/nexus/main.go's buildRootCmd/main split (command tree
// separated from main() for testability, structured slog.JSONHandler
// logging to stderr, cobra.Command with SilenceUsage) and on spec §6's
// exit-code contract: 0 on a completed turn, 1 if any Error event was
// emitted, 130 if the turn was aborted by interruption.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "nexus",
		Short:        "nexus - terminal coding agent turn engine",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd())
	return rootCmd
}
