// Command octopoid runs the agent orchestrator: it claims tasks from a
// remote task store, spawns coding agents in per-task git worktrees,
// applies flow transitions to finished work, and dispatches human
// commands to short-lived helper agents.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "0.1.0"
	Commit    = "none"
	BuildDate = "unknown"
)

const appName = "octopoid"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dir      string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Tick-driven orchestrator for coding agents",
		Long: `Octopoid supervises a fleet of short-lived coding agents. Each tick it
claims tasks from a remote task store, spawns one agent per task in an
isolated git worktree, reaps finished agents, and moves their tasks
through a YAML-defined flow. Agents outlive the orchestrator; restarts
re-adopt whatever is still running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A .env next to the invocation is loaded before anything
			// reads the environment; absence is not an error.
			_ = godotenv.Load()
			setupLogging(logLevel)
		},
	}

	// Cobra's Print helpers fall back to stderr; command output
	// belongs on stdout.
	rootCmd.SetOut(os.Stdout)

	rootCmd.PersistentFlags().StringVar(&dir, "dir", ".", "Project directory (any subdirectory works once initialized)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(&dir))
	rootCmd.AddCommand(newInitCmd(&dir))
	rootCmd.AddCommand(newStatusCmd(&dir))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s version %s (commit: %s, built: %s)\n", appName, Version, Commit, BuildDate)
		},
	})

	return rootCmd
}

func setupLogging(logLevel string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
