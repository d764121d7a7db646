package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/octopoid/prompt"
	"github.com/c360studio/octopoid/task"
)

// Environment variables every spawned agent receives.
const (
	EnvTaskDir      = "TASK_DIR"
	EnvTaskWorktree = "TASK_WORKTREE"
	EnvResultFile   = "RESULT_FILE"
)

// workBranch picks the branch a task's worktree is materialized on:
// the task's declared branch (project children share one) or the
// per-task agent branch.
func workBranch(t *task.Task) string {
	if t.Branch != "" {
		return t.Branch
	}
	return t.AgentBranch()
}

// spawn claims a pool slot for a task: it materializes a fresh
// worktree, renders the role prompt with any prior feedback, starts
// the agent subprocess, and records the running instance.
func (s *Scheduler) spawn(ctx context.Context, pool *Pool, t *task.Task) error {
	taskDir := s.layout.TaskDir(t.ID)
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	worktree := s.layout.WorktreeDir(t.ID)
	if err := s.materializeWorktree(ctx, worktree, workBranch(t)); err != nil {
		return err
	}

	// A result left by a previous run must not be read as this run's.
	if err := os.Remove(s.layout.ResultFile(t.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear stale result: %w", err)
	}

	if err := s.writePrompt(pool, t, worktree); err != nil {
		return err
	}

	inst, err := s.startAgent(pool, t, taskDir, worktree)
	if err != nil {
		return err
	}

	pool.Add(inst)
	if err := SaveInstanceState(s.layout.AgentStateFile(inst.Name), inst.State(true)); err != nil {
		s.logger.Warn("failed to persist instance state",
			"instance", inst.Name,
			"error", err)
	}

	s.logger.Info("spawned agent",
		"task_id", t.ID,
		"agent", pool.Blueprint.Name,
		"role", pool.Blueprint.Role,
		"pid", inst.PID,
		"queue", inst.ExpectedQueue)
	return nil
}

// materializeWorktree puts a fresh checkout at path, replacing any
// leftover from a previous run of the same task.
func (s *Scheduler) materializeWorktree(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		if err := s.worktrees.RemoveWorktree(ctx, path); err != nil {
			s.logger.Warn("failed to remove stale worktree, clearing directory",
				"path", path,
				"error", err)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to clear stale worktree: %w", err)
			}
		}
	}

	if err := s.worktrees.AddWorktree(ctx, path, branch); err != nil {
		return fmt.Errorf("failed to materialize worktree: %w", err)
	}
	return nil
}

// writePrompt renders and writes the task prompt, folding in thread
// feedback and any blueprint template override.
func (s *Scheduler) writePrompt(pool *Pool, t *task.Task, worktree string) error {
	feedback, err := s.threads.Format(t.ID)
	if err != nil {
		s.logger.Warn("failed to read task thread",
			"task_id", t.ID,
			"error", err)
	}

	text := prompt.Render(prompt.Input{
		Task:        t,
		Role:        pool.Blueprint.Role,
		WorktreeDir: worktree,
		ResultFile:  s.layout.ResultFile(t.ID),
		NotesFile:   s.layout.NotesFile(t.ID),
		Feedback:    feedback,
		Template:    s.promptTemplate(pool),
	})

	if err := os.WriteFile(s.layout.PromptFile(t.ID), []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	return nil
}

// promptTemplate loads a blueprint's prompt template override.
// Relative paths resolve against the .octopoid directory.
func (s *Scheduler) promptTemplate(pool *Pool) string {
	path := pool.Blueprint.PromptTemplate
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.layout.Dir(), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read prompt template, using built-in",
			"agent", pool.Blueprint.Name,
			"path", path,
			"error", err)
		return ""
	}
	return string(data)
}

// startAgent launches the agent subprocess with the prompt on stdin
// and output captured to the task's log files. The child is not bound
// to the scheduler's context: in-flight agents survive a restart and
// are re-adopted from their state files.
func (s *Scheduler) startAgent(pool *Pool, t *task.Task, taskDir, worktree string) (*Instance, error) {
	promptFile, err := os.Open(s.layout.PromptFile(t.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt: %w", err)
	}

	stdout, err := os.OpenFile(s.layout.StdoutLog(t.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		promptFile.Close()
		return nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(s.layout.StderrLog(t.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		promptFile.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to open stderr log: %w", err)
	}

	cmd := exec.Command(s.cfg.Agent.Binary, s.cfg.Agent.Args...)
	cmd.Dir = worktree
	cmd.Stdin = promptFile
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = agentEnv(s.cfg.Agent.MarkerEnv, map[string]string{
		EnvTaskDir:      taskDir,
		EnvTaskWorktree: worktree,
		EnvResultFile:   s.layout.ResultFile(t.ID),
	})

	if err := cmd.Start(); err != nil {
		promptFile.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	inst := &Instance{
		Name:          pool.FreeSlot(),
		Blueprint:     pool.Blueprint.Name,
		Role:          pool.Blueprint.Role,
		TaskID:        t.ID,
		PID:           cmd.Process.Pid,
		StartedAt:     time.Now(),
		TaskDir:       taskDir,
		WorktreeDir:   worktree,
		ExpectedQueue: t.Queue,
		cmd:           cmd,
	}

	// Collect the child as soon as it exits so the liveness probe sees
	// it gone instead of a zombie.
	go func() {
		_ = cmd.Wait()
		promptFile.Close()
		stdout.Close()
		stderr.Close()
		inst.exited.Store(true)
	}()

	return inst, nil
}

// agentEnv builds the child environment: the parent's, minus the
// in-agent marker and any stale task variables, plus this task's.
func agentEnv(markerEnv string, vars map[string]string) []string {
	drop := map[string]bool{
		EnvTaskDir:      true,
		EnvTaskWorktree: true,
		EnvResultFile:   true,
	}
	if markerEnv != "" {
		drop[markerEnv] = true
	}

	env := make([]string, 0, len(os.Environ())+len(vars))
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && drop[key] {
			continue
		}
		env = append(env, kv)
	}
	for key, value := range vars {
		env = append(env, key+"="+value)
	}
	return env
}
