// Package repo wraps git and the gh CLI into typed operations over a
// single working tree. Every shell invocation runs under an explicit
// timeout so a wedged child process cannot stall the scheduler tick.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const defaultCommandTimeout = 60 * time.Second

// Runner executes an external command in a directory and returns its
// combined output. The production runner shells out; tests inject a
// fake to script git and gh behavior.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// Manager performs repository operations for one working tree.
type Manager struct {
	dir        string
	baseBranch string
	remote     string
	timeout    time.Duration
	runner     Runner
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner sets a custom command runner.
func WithRunner(r Runner) Option {
	return func(m *Manager) {
		m.runner = r
	}
}

// WithTimeout sets the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithBaseBranch sets the branch rebases and PRs target.
func WithBaseBranch(name string) Option {
	return func(m *Manager) {
		m.baseBranch = name
	}
}

// WithRemote sets the git remote name.
func WithRemote(name string) Option {
	return func(m *Manager) {
		m.remote = name
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager rooted at dir.
func New(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:        dir,
		baseBranch: "main",
		remote:     "origin",
		timeout:    defaultCommandTimeout,
		runner:     execRunner{},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Dir returns the working tree root.
func (m *Manager) Dir() string {
	return m.dir
}

// BaseBranch returns the branch rebases and PRs target.
func (m *Manager) BaseBranch() string {
	return m.baseBranch
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// runGit executes a git command in the working tree.
func (m *Manager) runGit(ctx context.Context, args ...string) (string, error) {
	return m.runGitIn(ctx, m.dir, args...)
}

// runGitIn executes a git command in an arbitrary directory, used for
// submodule and worktree operations.
func (m *Manager) runGitIn(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	m.logger.Debug("running git", "dir", dir, "args", args)
	return m.runner.Run(ctx, dir, "git", args...)
}

// runGH executes a gh command in the working tree.
func (m *Manager) runGH(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	m.logger.Debug("running gh", "dir", m.dir, "args", args)
	return m.runner.Run(ctx, m.dir, "gh", args...)
}

// baseRef returns the remote-qualified base branch when a remote is
// configured.
func (m *Manager) baseRef() string {
	if m.remote == "" {
		return m.baseBranch
	}
	return m.remote + "/" + m.baseBranch
}

// currentBranch returns the checked-out branch name, or "HEAD" when
// the working tree is detached.
func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	output, err := m.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// branchExists checks if a local branch exists.
func (m *Manager) branchExists(ctx context.Context, name string) bool {
	_, err := m.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}
