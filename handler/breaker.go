package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// failureCountFile is the per-task circuit-breaker counter inside the
// task directory. A plain integer survives orchestrator restarts, so a
// task cannot dodge the breaker by outliving the process.
const failureCountFile = "step_failure_count"

// ReadFailures returns the recorded step-failure count for a task
// directory. A missing or malformed file counts as zero.
func ReadFailures(taskDir string) int {
	data, err := os.ReadFile(filepath.Join(taskDir, failureCountFile))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IncrementFailures bumps the step-failure count and returns the new
// value.
func IncrementFailures(taskDir string) (int, error) {
	count := ReadFailures(taskDir) + 1
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create task directory: %w", err)
	}
	path := filepath.Join(taskDir, failureCountFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(count)), 0644); err != nil {
		return 0, fmt.Errorf("failed to write failure count: %w", err)
	}
	return count, nil
}

// ResetFailures clears the step-failure count for a task directory.
func ResetFailures(taskDir string) error {
	err := os.Remove(filepath.Join(taskDir, failureCountFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset failure count: %w", err)
	}
	return nil
}
