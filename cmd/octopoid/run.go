package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/dispatch"
	"github.com/c360studio/octopoid/flow"
	"github.com/c360studio/octopoid/handler"
	"github.com/c360studio/octopoid/metrics"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/repo"
	"github.com/c360studio/octopoid/scheduler"
	"github.com/c360studio/octopoid/step"
	"github.com/c360studio/octopoid/thread"
)

func newRunCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop",
		Long: `Run registers this orchestrator with the task store and starts the
tick loop: claim tasks, spawn agents, reap results, apply flow
transitions, dispatch pending human commands. SIGINT or SIGTERM stops
the loop; running agents are left alive and re-adopted on the next
start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(*dir)
		},
	}
}

func runOrchestrator(dir string) error {
	logger := slog.Default()

	cfg, layout, err := config.NewLoader(logger).Load(dir)
	if err != nil {
		return err
	}

	agents, err := config.LoadAgents(layout.AgentsFile())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := remote.NewClient(cfg.Server.URL, cfg.Server.APIKey, cfg.Server.Scope,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.GetRequestTimeout()}),
		remote.WithRateLimit(cfg.Server.RequestsPerSecond),
		remote.WithLogger(logger),
	)

	flows, err := flow.NewLoader(layout.FlowsDir(), logger)
	if err != nil {
		return err
	}
	if err := flows.Watch(ctx); err != nil {
		logger.Warn("flow hot-reload disabled", "error", err)
	}

	threads := thread.NewStore(layout.ThreadsDir(), logger)

	env := step.Env{
		Remote: client,
		NewRepo: func(worktreeDir string) step.Repository {
			return repo.New(worktreeDir,
				repo.WithTimeout(cfg.GetGitTimeout()),
				repo.WithBaseBranch(cfg.Git.BaseBranch),
				repo.WithRemote(cfg.Git.Remote),
				repo.WithLogger(logger),
			)
		},
		Threads: threads,
		Config:  cfg,
		Logger:  logger,
	}

	results := handler.New(client, flows, env, logger)
	dispatcher := dispatch.New(cfg, layout, client, dispatch.WithLogger(logger))

	if cfg.Metrics.Addr != "" {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
			return err
		}
	}

	sched := scheduler.New(cfg, layout, agents, client, flows, threads, results,
		scheduler.WithLogger(logger),
		scheduler.WithDispatcher(dispatcher),
	)

	if !repo.IsGHAvailable() {
		logger.Warn("gh CLI unavailable or not authenticated; pull request steps will fail until 'gh auth login' succeeds")
	}

	logger.Info("octopoid starting",
		"version", Version,
		"orchestrator_id", sched.OrchestratorID(),
		"server", cfg.Server.URL,
		"scope", cfg.Server.Scope,
		"agents", len(agents.Agents),
	)

	return sched.Run(ctx)
}
