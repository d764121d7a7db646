package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/octopoid/task"
)

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false, want true")
	}
	// Linux caps pids well below this; the probe must report it dead.
	if processAlive(1 << 30) {
		t.Error("processAlive(huge pid) = true, want false")
	}
	if processAlive(0) {
		t.Error("processAlive(0) = true, want false")
	}
	if processAlive(-1) {
		t.Error("processAlive(-1) = true, want false")
	}
}

func TestInstanceAliveCachesExit(t *testing.T) {
	inst := &Instance{PID: os.Getpid()}
	assert.True(t, inst.Alive())

	inst.exited.Store(true)
	assert.False(t, inst.Alive(), "exited flag overrides the OS probe")

	dead := &Instance{PID: 1 << 30}
	assert.False(t, dead.Alive())
	// The first failed probe latches: no further syscalls needed.
	assert.True(t, dead.exited.Load())
}

func TestInstanceStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents", "implementer-1", "state.json")
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	inst := &Instance{
		Name:          "implementer-1",
		Blueprint:     "implementer",
		Role:          "implementer",
		TaskID:        "TASK-42",
		PID:           1234,
		StartedAt:     started,
		ExpectedQueue: task.QueueClaimed,
	}

	require.NoError(t, SaveInstanceState(path, inst.State(true)))

	st, err := LoadInstanceState(path)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1234, st.PID)
	assert.Equal(t, "TASK-42", st.TaskID)
	assert.Equal(t, "implementer", st.Blueprint)
	assert.Equal(t, "implementer", st.Role)
	assert.Equal(t, task.QueueClaimed, st.ExpectedQueue)
	assert.True(t, st.StartedAt.Equal(started))
}

func TestInstanceStateIdleClearsClaim(t *testing.T) {
	inst := &Instance{
		Name:          "implementer-1",
		Blueprint:     "implementer",
		TaskID:        "TASK-42",
		PID:           1234,
		StartedAt:     time.Now(),
		ExpectedQueue: task.QueueClaimed,
	}

	st := inst.State(false)
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.Empty(t, st.TaskID)
	assert.Empty(t, st.ExpectedQueue)
	assert.Equal(t, "implementer", st.Blueprint, "pool identity survives release")
	assert.False(t, st.LastFinished.IsZero())
}

func TestLoadInstanceStateMissing(t *testing.T) {
	_, err := LoadInstanceState(filepath.Join(t.TempDir(), "state.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
