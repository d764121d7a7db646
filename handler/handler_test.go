package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/flow"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/repo"
	"github.com/c360studio/octopoid/step"
	"github.com/c360studio/octopoid/task"
	"github.com/c360studio/octopoid/thread"
)

type fakeRemote struct {
	task      *task.Task
	getErr    error
	submits   []remote.SubmitRequest
	accepts   []string
	rejects   []remote.RejectRequest
	updates   []map[string]any
	submitErr error
	updateErr error
}

func (f *fakeRemote) GetTask(_ context.Context, id string) (*task.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.task == nil {
		return nil, fmt.Errorf("task %s: %w", id, remote.ErrNotFound)
	}
	copy := *f.task
	return &copy, nil
}

func (f *fakeRemote) SubmitTask(_ context.Context, id string, req remote.SubmitRequest) (*task.Task, error) {
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &task.Task{ID: id, Queue: task.QueueProvisional}, nil
}

func (f *fakeRemote) AcceptTask(_ context.Context, id, by string) (*task.Task, error) {
	f.accepts = append(f.accepts, by)
	return &task.Task{ID: id, Queue: task.QueueDone}, nil
}

func (f *fakeRemote) RejectTask(_ context.Context, id string, req remote.RejectRequest) (*task.Task, error) {
	f.rejects = append(f.rejects, req)
	return &task.Task{ID: id, Queue: task.QueueIncoming}, nil
}

func (f *fakeRemote) UpdateTask(_ context.Context, id string, fields map[string]any) (*task.Task, error) {
	f.updates = append(f.updates, fields)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &task.Task{ID: id}, nil
}

type fakeRepo struct {
	status   *repo.Status
	ensured  []string
	pushes   []bool
	pushErr  error
	merges   []int
	mergeErr error
	prState  *repo.PRState
}

func (f *fakeRepo) Status(context.Context) (*repo.Status, error) {
	if f.status == nil {
		return &repo.Status{Branch: "agent/TASK-1", CommitsAhead: 2}, nil
	}
	return f.status, nil
}

func (f *fakeRepo) EnsureOnBranch(_ context.Context, name string) error {
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeRepo) PushBranch(_ context.Context, force bool) (string, error) {
	f.pushes = append(f.pushes, force)
	if f.pushErr != nil {
		return "", f.pushErr
	}
	return "agent/TASK-1", nil
}

func (f *fakeRepo) RebaseOnBase(context.Context) (*repo.RebaseResult, error) {
	return &repo.RebaseResult{Status: repo.RebaseUpToDate}, nil
}

func (f *fakeRepo) CreatePR(context.Context, string, string, string) (*repo.PullRequest, error) {
	return &repo.PullRequest{URL: "https://github.com/acme/repo/pull/7", Number: 7, Created: true}, nil
}

func (f *fakeRepo) MergePR(_ context.Context, number int, _ string) (bool, error) {
	f.merges = append(f.merges, number)
	if f.mergeErr != nil {
		return false, f.mergeErr
	}
	return true, nil
}

func (f *fakeRepo) GetPRState(context.Context, int) (*repo.PRState, error) {
	if f.prState == nil {
		return &repo.PRState{State: "OPEN", Mergeable: "MERGEABLE"}, nil
	}
	return f.prState, nil
}

func (f *fakeRepo) PostPRComment(context.Context, int, string) error {
	return nil
}

type fakeFlows struct {
	flows map[string]*flow.Flow
}

func (f *fakeFlows) Load(name string) (*flow.Flow, error) {
	fl, ok := f.flows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", flow.ErrFlowNotFound, name)
	}
	return fl, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T, rem *fakeRemote, r *fakeRepo, flows map[string]*flow.Flow) (*Handler, string) {
	t.Helper()
	env := step.Env{
		Remote:  rem,
		NewRepo: func(string) step.Repository { return r },
		Threads: thread.NewStore(t.TempDir(), quietLogger()),
		Config:  config.DefaultConfig(),
		Logger:  quietLogger(),
	}
	h := New(rem, &fakeFlows{flows: flows}, env, quietLogger())
	return h, t.TempDir()
}

func defaultTestFlow() *flow.Flow {
	return &flow.Flow{
		Name: "default",
		Transitions: []flow.Transition{
			{FromState: task.QueueIncoming, ToState: task.QueueClaimed, Agent: "implementer"},
			{FromState: task.QueueClaimed, ToState: task.QueueProvisional, Runs: []string{"push_branch"}},
			{
				FromState: task.QueueProvisional,
				ToState:   task.QueueDone,
				Runs:      []string{"merge_pr"},
				Conditions: []flow.Condition{
					{Name: "human_approval", Type: flow.ConditionManual},
				},
			},
		},
	}
}

func writeResult(t *testing.T, dir string, result any) {
	t.Helper()
	data, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.json"), data, 0644))
}

func TestHandleDoneRunsStepsAndSubmits(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	r := &fakeRepo{}
	h, taskDir := newHandler(t, rem, r, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", Role: "implementer", TaskDir: taskDir})
	require.NoError(t, err)

	assert.Equal(t, []string{"agent/TASK-1"}, r.ensured)
	require.Len(t, rem.submits, 1)
	assert.Equal(t, 2, rem.submits[0].CommitsCount)
	assert.Empty(t, rem.accepts)
}

func TestHandleTaskGoneReleasesTracking(t *testing.T) {
	rem := &fakeRemote{}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, nil)
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-gone", TaskDir: taskDir})
	require.NoError(t, err)
	assert.Empty(t, rem.submits)
	assert.Empty(t, rem.updates)
}

func TestHandleTransientFetchErrorRetries(t *testing.T) {
	rem := &fakeRemote{getErr: errors.New("connection refused")}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, nil)
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.Error(t, err)
}

func TestHandleStaleResultDiscarded(t *testing.T) {
	// Task re-queued to incoming after the claim: the result is stale
	// and no step or state change may run.
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueIncoming, Flow: "default"}}
	r := &fakeRepo{}
	h, taskDir := newHandler(t, rem, r, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir, ExpectedQueue: task.QueueClaimed})
	require.NoError(t, err)

	assert.Empty(t, r.ensured, "no step may run on a stale result")
	assert.Empty(t, rem.submits)
	assert.Empty(t, rem.updates)
}

func TestHandlePreClaimQueueTolerated(t *testing.T) {
	// Recording the pre-claim queue is legitimate: incoming -> claimed
	// is the claim itself, not a stale result.
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir, ExpectedQueue: task.QueueIncoming})
	require.NoError(t, err)
	assert.Len(t, rem.submits, 1)
}

func TestHandleFailureRoutesToOnFail(t *testing.T) {
	fl := &flow.Flow{
		Name: "default",
		Transitions: []flow.Transition{
			{FromState: task.QueueIncoming, ToState: task.QueueClaimed},
			{
				FromState: task.QueueClaimed,
				ToState:   task.QueueProvisional,
				Conditions: []flow.Condition{
					{Name: "lint", Type: flow.ConditionScript, Script: "lint.sh", OnFail: "needs_work"},
					{Name: "later", Type: flow.ConditionScript, Script: "later.sh", OnFail: task.QueueFailed},
				},
			},
		},
	}
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": fl})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeFailed, Reason: "build broke"})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.NoError(t, err)

	require.Len(t, rem.updates, 1)
	assert.Equal(t, "needs_work", rem.updates[0]["queue"])
	assert.Equal(t, "build broke", rem.updates[0]["execution_notes"])
}

func TestHandleFailureDefaultsToFailed(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeError, Reason: "agent crashed"})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.NoError(t, err)

	require.Len(t, rem.updates, 1)
	assert.Equal(t, task.QueueFailed, rem.updates[0]["queue"])
}

func TestHandleUnknownOutcomeBecomesFailure(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: "shipped"})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.NoError(t, err)

	require.Len(t, rem.updates, 1)
	assert.Equal(t, task.QueueFailed, rem.updates[0]["queue"])
	assert.Equal(t, "Unknown outcome: shipped", rem.updates[0]["execution_notes"])
}

func TestHandleMissingResultWithNotesContinues(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "notes.md"), []byte("half done, resume at step 3"), 0644))

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.NoError(t, err)

	require.Len(t, rem.updates, 1)
	assert.Equal(t, task.QueueNeedsContinuation, rem.updates[0]["queue"])
}

func TestHandleContinuationFollowsDeclaredRoute(t *testing.T) {
	fl := &flow.Flow{
		Name: "default",
		Transitions: []flow.Transition{
			{FromState: task.QueueIncoming, ToState: task.QueueClaimed},
			{FromState: task.QueueClaimed, ToState: task.QueueProvisional, Runs: []string{"push_branch"}},
			{FromState: task.QueueClaimed, ToState: task.QueueNeedsContinuation, Runs: []string{"push_branch"}},
		},
	}
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	r := &fakeRepo{}
	h, taskDir := newHandler(t, rem, r, map[string]*flow.Flow{"default": fl})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeNeedsContinuation})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.NoError(t, err)

	assert.NotEmpty(t, r.pushes, "declared continuation route runs its steps")
	require.Len(t, rem.updates, 1)
	assert.Equal(t, task.QueueNeedsContinuation, rem.updates[0]["queue"])
}

func TestHandleMissingResultNoNotesIsError(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.NoError(t, err)

	require.Len(t, rem.updates, 1)
	assert.Equal(t, task.QueueFailed, rem.updates[0]["queue"])
	assert.Contains(t, rem.updates[0]["execution_notes"], "without writing a result")
}

func TestHandleProjectChildUsesChildFlow(t *testing.T) {
	fl := defaultTestFlow()
	fl.ChildFlow = &flow.Flow{
		Name: "child",
		Transitions: []flow.Transition{
			{FromState: task.QueueIncoming, ToState: task.QueueClaimed},
			{FromState: task.QueueClaimed, ToState: task.QueueDone},
		},
	}
	rem := &fakeRemote{task: &task.Task{ID: "TASK-c1", Queue: task.QueueClaimed, Flow: "default", ProjectID: "PROJ-1"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": fl})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-c1", TaskDir: taskDir})
	require.NoError(t, err)

	// The child flow goes straight to done, so the engine accepts
	// instead of submitting for review.
	assert.Empty(t, rem.submits)
	assert.Equal(t, []string{"flow-engine"}, rem.accepts)
}

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	r := &fakeRepo{pushErr: errors.New("remote hung up")}
	h, taskDir := newHandler(t, rem, r, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	in := Input{TaskID: "TASK-1", TaskDir: taskDir}

	// First two failures keep the tracking record for a retry.
	for i := 1; i <= 2; i++ {
		err := h.Handle(context.Background(), in)
		require.Error(t, err, "failure %d stays under the threshold", i)
		assert.Equal(t, i, ReadFailures(taskDir))
		assert.Empty(t, rem.updates)
	}

	// The third trips the breaker: task fails, counter resets.
	err := h.Handle(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, rem.updates, 1)
	assert.Equal(t, task.QueueFailed, rem.updates[0]["queue"])
	assert.Contains(t, rem.updates[0]["execution_notes"], "circuit breaker")
	assert.Contains(t, rem.updates[0]["execution_notes"], "remote hung up")
	assert.Equal(t, 0, ReadFailures(taskDir))
}

func TestStepSuccessResetsFailureCount(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	_, err := IncrementFailures(taskDir)
	require.NoError(t, err)
	_, err = IncrementFailures(taskDir)
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir}))
	assert.Equal(t, 0, ReadFailures(taskDir))
}

func TestGatekeeperRejectAppendsFeedback(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{
		ID:        "TASK-1",
		Queue:     task.QueueProvisional,
		Flow:      "default",
		ClaimedBy: "gatekeeper-1",
	}}
	r := &fakeRepo{}
	env := step.Env{
		Remote:  rem,
		NewRepo: func(string) step.Repository { return r },
		Threads: thread.NewStore(t.TempDir(), quietLogger()),
		Config:  config.DefaultConfig(),
		Logger:  quietLogger(),
	}
	h := New(rem, &fakeFlows{flows: map[string]*flow.Flow{"default": defaultTestFlow()}}, env, quietLogger())
	taskDir := t.TempDir()
	writeResult(t, taskDir, task.Result{Status: "done", Decision: task.DecisionReject, Comment: "missing tests"})

	err := h.Handle(context.Background(), Input{
		TaskID:        "TASK-1",
		Role:          "gatekeeper",
		TaskDir:       taskDir,
		ExpectedQueue: task.QueueProvisional,
	})
	require.NoError(t, err)

	require.Len(t, rem.rejects, 1)
	assert.Equal(t, "missing tests", rem.rejects[0].Reason)
	assert.Equal(t, "gatekeeper-1", rem.rejects[0].RejectedBy)

	entries, err := env.Threads.Read("TASK-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "missing tests", entries[0].Content)
}

func TestGatekeeperApproveMergesAndAccepts(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{
		ID:       "TASK-1",
		Queue:    task.QueueProvisional,
		Flow:     "default",
		PRNumber: 7,
	}}
	r := &fakeRepo{}
	h, taskDir := newHandler(t, rem, r, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Status: "done", Decision: task.DecisionApprove})

	err := h.Handle(context.Background(), Input{
		TaskID:        "TASK-1",
		Role:          "gatekeeper",
		TaskDir:       taskDir,
		ExpectedQueue: task.QueueProvisional,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{7}, r.merges)
	assert.Equal(t, []string{"flow-engine"}, rem.accepts)
}

func TestGatekeeperMergeConflictKeepsQueue(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{
		ID:       "TASK-1",
		Queue:    task.QueueProvisional,
		Flow:     "default",
		PRNumber: 7,
	}}
	r := &fakeRepo{prState: &repo.PRState{State: "OPEN", Mergeable: repo.MergeConflicting}}
	h, taskDir := newHandler(t, rem, r, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Status: "done", Decision: task.DecisionApprove})

	err := h.Handle(context.Background(), Input{
		TaskID:        "TASK-1",
		TaskDir:       taskDir,
		ExpectedQueue: task.QueueProvisional,
	})
	require.Error(t, err, "merge conflict keeps the tracking record for retry")

	assert.Empty(t, r.merges, "a conflicting PR is never merged")
	assert.Empty(t, rem.accepts, "no accept call on a blocked merge")
	require.Len(t, rem.updates, 1, "needs_rebase is flagged")
	assert.Equal(t, true, rem.updates[0]["needs_rebase"])
}

func TestGatekeeperStaleResultDiscarded(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueIncoming, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Status: "done", Decision: task.DecisionReject, Comment: "too late"})

	err := h.Handle(context.Background(), Input{
		TaskID:        "TASK-1",
		TaskDir:       taskDir,
		ExpectedQueue: task.QueueProvisional,
	})
	require.NoError(t, err)
	assert.Empty(t, rem.rejects, "a re-queued task discards the review")
}

func TestGatekeeperNoDecisionLeftForHuman(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueProvisional, Flow: "default"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{"default": defaultTestFlow()})
	writeResult(t, taskDir, task.Result{Status: "failure", Message: "could not check out branch"})

	err := h.Handle(context.Background(), Input{
		TaskID:        "TASK-1",
		TaskDir:       taskDir,
		ExpectedQueue: task.QueueProvisional,
	})
	require.NoError(t, err)
	assert.Empty(t, rem.rejects)
	assert.Empty(t, rem.accepts)
	assert.Empty(t, rem.updates)
}

func TestHandleUnloadableFlowRetries(t *testing.T) {
	rem := &fakeRemote{task: &task.Task{ID: "TASK-1", Queue: task.QueueClaimed, Flow: "missing"}}
	h, taskDir := newHandler(t, rem, &fakeRepo{}, map[string]*flow.Flow{})
	writeResult(t, taskDir, task.Result{Outcome: task.OutcomeDone})

	err := h.Handle(context.Background(), Input{TaskID: "TASK-1", TaskDir: taskDir})
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)
}
