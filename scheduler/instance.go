// Package scheduler runs the tick-driven supervisor: it claims work
// from the task store for each configured agent pool, spawns agent
// subprocesses under per-pool concurrency caps, tracks their liveness
// by PID, and hands finished runs to the result handler.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"
)

// Instance is one running (or just-finished) agent subprocess. The
// scheduler owns the record until the result handler reports the
// task's transition applied.
type Instance struct {
	// Name is the pool slot this instance occupies (e.g. implementer-1)
	Name string

	// Blueprint names the pool that spawned this instance
	Blueprint string

	// Role is the agent role the instance runs as
	Role string

	// TaskID is the claimed task
	TaskID string

	// PID is the subprocess id, the liveness source of truth
	PID int

	// StartedAt is when the subprocess was spawned
	StartedAt time.Time

	// TaskDir is the task's runtime directory
	TaskDir string

	// WorktreeDir is the ephemeral checkout the agent works in
	WorktreeDir string

	// ExpectedQueue is the task's queue at claim time; the result
	// handler uses it to detect stale results
	ExpectedQueue string

	// cmd is set for instances this process spawned, nil for instances
	// recovered from a state file after a restart
	cmd *exec.Cmd

	// exited is set by the wait goroutine once the child is collected
	exited atomic.Bool
}

// Alive reports whether the agent subprocess is still running.
// Instances spawned by this process flip exited when their wait
// goroutine collects the child; recovered instances fall back to the
// OS probe.
func (i *Instance) Alive() bool {
	if i.exited.Load() {
		return false
	}
	if processAlive(i.PID) {
		return true
	}
	i.exited.Store(true)
	return false
}

// Age returns how long the instance has held its claim.
func (i *Instance) Age() time.Duration {
	return time.Since(i.StartedAt)
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// InstanceState is the persisted per-instance state.json. It survives
// orchestrator restarts so in-flight agents can be re-adopted instead
// of orphaned.
type InstanceState struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Blueprint     string    `json:"blueprint,omitempty"`
	Role          string    `json:"role,omitempty"`
	ExpectedQueue string    `json:"expected_queue,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastFinished  time.Time `json:"last_finished,omitempty"`
}

// State snapshots the instance for persistence.
func (i *Instance) State(running bool) InstanceState {
	st := InstanceState{
		Running:       running,
		PID:           i.PID,
		TaskID:        i.TaskID,
		Blueprint:     i.Blueprint,
		Role:          i.Role,
		ExpectedQueue: i.ExpectedQueue,
		StartedAt:     i.StartedAt,
	}
	if !running {
		st.LastFinished = time.Now().UTC()
		st.PID = 0
		st.TaskID = ""
		st.ExpectedQueue = ""
	}
	return st
}

// SaveInstanceState writes an instance state file, creating its
// directory on first use.
func SaveInstanceState(path string, st InstanceState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create instance state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write instance state: %w", err)
	}
	return nil
}

// LoadInstanceState reads an instance state file.
func LoadInstanceState(path string) (*InstanceState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance state: %w", err)
	}

	var st InstanceState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse instance state: %w", err)
	}
	return &st, nil
}
