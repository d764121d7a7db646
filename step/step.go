// Package step implements the named actions a flow transition runs
// before the engine moves a task to its next queue. Steps are looked
// up by name from flow YAML, so the registry is populated at init and
// read-only afterwards.
package step

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/repo"
	"github.com/c360studio/octopoid/task"
	"github.com/c360studio/octopoid/thread"
)

// RemoteAPI is the slice of the task-store client steps use.
type RemoteAPI interface {
	SubmitTask(ctx context.Context, id string, req remote.SubmitRequest) (*task.Task, error)
	RejectTask(ctx context.Context, id string, req remote.RejectRequest) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, fields map[string]any) (*task.Task, error)
}

// Repository is the slice of the repo manager steps use.
type Repository interface {
	Status(ctx context.Context) (*repo.Status, error)
	EnsureOnBranch(ctx context.Context, name string) error
	PushBranch(ctx context.Context, force bool) (string, error)
	RebaseOnBase(ctx context.Context) (*repo.RebaseResult, error)
	CreatePR(ctx context.Context, title, body, headBranch string) (*repo.PullRequest, error)
	MergePR(ctx context.Context, number int, method string) (bool, error)
	GetPRState(ctx context.Context, number int) (*repo.PRState, error)
	PostPRComment(ctx context.Context, number int, body string) error
}

// Env carries the collaborators steps need. NewRepo opens a repository
// manager over a task's worktree.
type Env struct {
	Remote  RemoteAPI
	NewRepo func(worktreeDir string) Repository
	Threads *thread.Store
	Config  *config.Config
	Logger  *slog.Logger
}

// Func is one registered step. A returned error means the step failed
// and the transition must not complete; the caller keeps its process
// tracking so the task can be retried.
type Func func(ctx context.Context, env Env, t *task.Task, result *task.Result, taskDir string) error

// Error reports which step failed during a transition.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var registry = map[string]Func{}

func register(name string, fn Func) {
	registry[name] = fn
}

// Get returns the step registered under name.
func Get(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Names returns all registered step names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes a named step, wrapping any failure in an *Error that
// carries the step name.
func Run(ctx context.Context, name string, env Env, t *task.Task, result *task.Result, taskDir string) error {
	fn, ok := registry[name]
	if !ok {
		return &Error{Step: name, Err: fmt.Errorf("unknown step")}
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("running step", "step", name, "task_id", t.ID)

	if err := fn(ctx, env, t, result, taskDir); err != nil {
		return &Error{Step: name, Err: err}
	}
	return nil
}

// worktreePath resolves a task's worktree inside its task directory.
func worktreePath(taskDir string) string {
	return filepath.Join(taskDir, "worktree")
}
