package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the orchestrator state directory inside a project root.
const DirName = ".octopoid"

// Layout resolves every path under <root>/.octopoid/. All runtime state,
// flow definitions, and shared thread files live inside this tree.
type Layout struct {
	Root string
}

// NewLayout creates a Layout rooted at the given project directory.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// Dir returns the .octopoid directory.
func (l Layout) Dir() string {
	return filepath.Join(l.Root, DirName)
}

// ConfigFile returns the path to config.yaml.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.Dir(), "config.yaml")
}

// AgentsFile returns the path to agents.yaml.
func (l Layout) AgentsFile() string {
	return filepath.Join(l.Dir(), "agents.yaml")
}

// FlowsDir returns the flow-definition directory.
func (l Layout) FlowsDir() string {
	return filepath.Join(l.Dir(), "flows")
}

// FlowFile returns the path to a named flow definition.
func (l Layout) FlowFile(name string) string {
	return filepath.Join(l.FlowsDir(), name+".yaml")
}

// RuntimeDir returns the runtime state directory.
func (l Layout) RuntimeDir() string {
	return filepath.Join(l.Dir(), "runtime")
}

// TasksDir returns the per-task runtime directory root.
func (l Layout) TasksDir() string {
	return filepath.Join(l.RuntimeDir(), "tasks")
}

// TaskDir returns the runtime directory for one task.
func (l Layout) TaskDir(taskID string) string {
	return filepath.Join(l.TasksDir(), taskID)
}

// WorktreeDir returns the ephemeral git worktree for a task.
func (l Layout) WorktreeDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "worktree")
}

// PromptFile returns the rendered prompt path for a task.
func (l Layout) PromptFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "prompt.md")
}

// ResultFile returns the agent output path for a task.
func (l Layout) ResultFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "result.json")
}

// NotesFile returns the continuation-hint path for a task.
func (l Layout) NotesFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "notes.md")
}

// StdoutLog returns the agent stdout capture path for a task.
func (l Layout) StdoutLog(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "stdout.log")
}

// StderrLog returns the agent stderr capture path for a task.
func (l Layout) StderrLog(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "stderr.log")
}

// StepFailureFile returns the circuit-breaker counter path for a task.
func (l Layout) StepFailureFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "step_failure_count")
}

// AgentsRuntimeDir returns the per-instance agent state directory root.
func (l Layout) AgentsRuntimeDir() string {
	return filepath.Join(l.RuntimeDir(), "agents")
}

// AgentStateFile returns the state.json path for a named agent instance.
func (l Layout) AgentStateFile(instanceName string) string {
	return filepath.Join(l.AgentsRuntimeDir(), instanceName, "state.json")
}

// DispatchStateFile returns the message-dispatch state path.
func (l Layout) DispatchStateFile() string {
	return filepath.Join(l.RuntimeDir(), "message_dispatch_state.json")
}

// SharedDir returns the cross-orchestrator shared directory.
func (l Layout) SharedDir() string {
	return filepath.Join(l.Dir(), "shared")
}

// ThreadsDir returns the task-thread directory.
func (l Layout) ThreadsDir() string {
	return filepath.Join(l.SharedDir(), "threads")
}

// ThreadFile returns the append-only feedback log path for a task.
// Server ids may or may not carry the TASK- prefix already.
func (l Layout) ThreadFile(taskID string) string {
	name := taskID
	if !strings.HasPrefix(name, "TASK-") {
		name = "TASK-" + name
	}
	return filepath.Join(l.ThreadsDir(), name+".jsonl")
}

// EnsureDirs creates the directory skeleton, leaving existing content alone.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.Dir(),
		l.FlowsDir(),
		l.RuntimeDir(),
		l.TasksDir(),
		l.AgentsRuntimeDir(),
		l.ThreadsDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// FindRoot walks upward from start looking for a directory containing
// .octopoid. It returns the project root, or an error when no ancestor
// has been initialized.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no %s directory found in %s or any parent; run 'octopoid init' first", DirName, start)
}
