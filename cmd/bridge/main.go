// Package main provides the CLI entry point for the OpenClaw bridge.
//
// The bridge keeps an authenticated websocket control connection to an
// OpenClaw gateway and turns per-turn agent NDJSON output into typed,
// ordered events for downstream consumers.
//
// # Basic Usage
//
// Start the bridge:
//
//	bridge serve --config bridge.yaml
//
// Manage the device identity:
//
//	bridge identity init
//	bridge identity show
//
// # Environment Variables
//
//   - BRIDGE_CONFIG: Path to configuration file (default: bridge.yaml)
//   - BRIDGE_BOOTSTRAP_TOKEN: Bootstrap token for first-time pairing
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "bridge",
		Short:        "OpenClaw bridge - gateway control connection and agent stream ingestion",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildIdentityCmd(),
	)

	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		return path
	}
	return "bridge.yaml"
}
