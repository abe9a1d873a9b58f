// Command strand runs the conversation runtime: an append-only frame log,
// an agentic response loop over a model backend, and an SSE gateway.
//
// Start the server:
//
//	strand serve --config strand.yaml
//
// Inspect a session's log:
//
//	strand frames --session abc123
//
// Force a compaction checkpoint:
//
//	strand compact --session abc123
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "strand",
		Short:        "Strand - multi-turn conversation runtime",
		Long:         "Strand persists conversations as an append-only frame log,\nruns an agentic response loop against a model backend, and\nstreams turn progress over SSE.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "strand.yaml", "Path to configuration file (or set STRAND_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildFramesCmd(),
		buildCompactCmd(),
	)
	return rootCmd
}

func resolveConfigPath() string {
	if env := os.Getenv("STRAND_CONFIG"); env != "" {
		return env
	}
	return configPath
}
