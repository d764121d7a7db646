package step

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/repo"
	"github.com/c360studio/octopoid/task"
	"github.com/c360studio/octopoid/thread"
)

type fakeRemote struct {
	submits    []remote.SubmitRequest
	rejects    []remote.RejectRequest
	updates    []map[string]any
	submitErr  error
	rejectErr  error
	updateErr  error
}

func (f *fakeRemote) SubmitTask(_ context.Context, id string, req remote.SubmitRequest) (*task.Task, error) {
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &task.Task{ID: id, Queue: task.QueueProvisional}, nil
}

func (f *fakeRemote) RejectTask(_ context.Context, id string, req remote.RejectRequest) (*task.Task, error) {
	f.rejects = append(f.rejects, req)
	if f.rejectErr != nil {
		return nil, f.rejectErr
	}
	return &task.Task{ID: id, Queue: task.QueueRejected}, nil
}

func (f *fakeRemote) UpdateTask(_ context.Context, id string, fields map[string]any) (*task.Task, error) {
	f.updates = append(f.updates, fields)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &task.Task{ID: id}, nil
}

type fakeRepo struct {
	status    *repo.Status
	statusErr error
	ensured   []string
	ensureErr error
	pushes    []bool
	pushErr   error
	rebase    *repo.RebaseResult
	pr        *repo.PullRequest
	createErr error
	merges    []int
	mergeErr  error
	prState   *repo.PRState
	comments  []string
}

func (f *fakeRepo) Status(context.Context) (*repo.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeRepo) EnsureOnBranch(_ context.Context, name string) error {
	f.ensured = append(f.ensured, name)
	return f.ensureErr
}

func (f *fakeRepo) PushBranch(_ context.Context, force bool) (string, error) {
	f.pushes = append(f.pushes, force)
	if f.pushErr != nil {
		return "", f.pushErr
	}
	return "agent/TASK-1", nil
}

func (f *fakeRepo) RebaseOnBase(context.Context) (*repo.RebaseResult, error) {
	return f.rebase, nil
}

func (f *fakeRepo) CreatePR(_ context.Context, _, _, _ string) (*repo.PullRequest, error) {
	return f.pr, f.createErr
}

func (f *fakeRepo) MergePR(_ context.Context, number int, _ string) (bool, error) {
	f.merges = append(f.merges, number)
	if f.mergeErr != nil {
		return false, f.mergeErr
	}
	return true, nil
}

func (f *fakeRepo) GetPRState(_ context.Context, _ int) (*repo.PRState, error) {
	return f.prState, nil
}

func (f *fakeRepo) PostPRComment(_ context.Context, _ int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func testEnv(t *testing.T, rem *fakeRemote, r *fakeRepo) Env {
	t.Helper()
	return Env{
		Remote:  rem,
		NewRepo: func(string) Repository { return r },
		Threads: thread.NewStore(t.TempDir(), nil),
		Config:  config.DefaultConfig(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRunUnknownStep(t *testing.T) {
	env := testEnv(t, &fakeRemote{}, &fakeRepo{})
	err := Run(context.Background(), "no_such_step", env, &task.Task{ID: "TASK-1"}, nil, t.TempDir())
	require.Error(t, err)

	var stepErr *Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "no_such_step", stepErr.Step)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestNamesContainsCoreSteps(t *testing.T) {
	names := Names()
	for _, want := range []string{
		"push_branch", "run_tests", "create_pr", "merge_pr",
		"submit_to_server", "reject_with_feedback", "post_review_comment",
		"rebase_on_main",
	} {
		assert.Contains(t, names, want)
	}
}

func TestPushBranch(t *testing.T) {
	r := &fakeRepo{}
	env := testEnv(t, &fakeRemote{}, r)

	tsk := &task.Task{ID: "TASK-1"}
	err := Run(context.Background(), "push_branch", env, tsk, nil, t.TempDir())
	require.NoError(t, err)

	require.Equal(t, []string{"agent/TASK-1"}, r.ensured)
	require.Equal(t, []bool{false}, r.pushes)
}

func TestPushBranchUsesExplicitBranch(t *testing.T) {
	r := &fakeRepo{}
	env := testEnv(t, &fakeRemote{}, r)

	tsk := &task.Task{ID: "TASK-1", Branch: "feature/custom"}
	require.NoError(t, Run(context.Background(), "push_branch", env, tsk, nil, t.TempDir()))
	assert.Equal(t, []string{"feature/custom"}, r.ensured)
}

func TestPushBranchFailure(t *testing.T) {
	r := &fakeRepo{pushErr: errors.New("remote rejected")}
	env := testEnv(t, &fakeRemote{}, r)

	err := Run(context.Background(), "push_branch", env, &task.Task{ID: "TASK-1"}, nil, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push_branch")
}

func TestCreatePRRecordsIdentifiers(t *testing.T) {
	rem := &fakeRemote{}
	r := &fakeRepo{pr: &repo.PullRequest{URL: "https://github.com/acme/x/pull/7", Number: 7, Created: true}}
	env := testEnv(t, rem, r)

	tsk := &task.Task{ID: "TASK-1"}
	require.NoError(t, Run(context.Background(), "create_pr", env, tsk, nil, t.TempDir()))

	require.Len(t, rem.updates, 1)
	assert.Equal(t, "https://github.com/acme/x/pull/7", rem.updates[0]["pr_url"])
	assert.Equal(t, 7, rem.updates[0]["pr_number"])

	assert.Equal(t, 7, tsk.PRNumber)
	assert.Equal(t, "https://github.com/acme/x/pull/7", tsk.PRURL)
	assert.Equal(t, []bool{false}, r.pushes)
}

func TestMergePRConflictFlagsRebase(t *testing.T) {
	rem := &fakeRemote{}
	r := &fakeRepo{prState: &repo.PRState{State: "OPEN", Mergeable: repo.MergeConflicting}}
	env := testEnv(t, rem, r)

	tsk := &task.Task{ID: "TASK-1", PRNumber: 7}
	err := Run(context.Background(), "merge_pr", env, tsk, nil, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge conflicts")

	require.Len(t, rem.updates, 1)
	assert.Equal(t, true, rem.updates[0]["needs_rebase"])
	assert.Empty(t, r.merges, "conflicting PR must not be merged")
}

func TestMergePRSuccess(t *testing.T) {
	r := &fakeRepo{prState: &repo.PRState{State: "OPEN", Mergeable: "MERGEABLE"}}
	env := testEnv(t, &fakeRemote{}, r)

	tsk := &task.Task{ID: "TASK-1", PRNumber: 7}
	require.NoError(t, Run(context.Background(), "merge_pr", env, tsk, nil, t.TempDir()))
	assert.Equal(t, []int{7}, r.merges)
}

func TestMergePRWithoutNumber(t *testing.T) {
	env := testEnv(t, &fakeRemote{}, &fakeRepo{})

	err := Run(context.Background(), "merge_pr", env, &task.Task{ID: "TASK-1"}, nil, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PR")
}

func TestSubmitToServer(t *testing.T) {
	rem := &fakeRemote{}
	r := &fakeRepo{status: &repo.Status{Branch: "agent/TASK-1", CommitsAhead: 3}}
	env := testEnv(t, rem, r)

	tsk := &task.Task{ID: "TASK-1", TurnsUsed: 12, PRURL: "u", PRNumber: 4}
	res := &task.Result{Outcome: task.OutcomeDone, Reason: "implemented and tested"}
	require.NoError(t, Run(context.Background(), "submit_to_server", env, tsk, res, t.TempDir()))

	require.Len(t, rem.submits, 1)
	assert.Equal(t, 3, rem.submits[0].CommitsCount)
	assert.Equal(t, 12, rem.submits[0].TurnsUsed)
	assert.Equal(t, "implemented and tested", rem.submits[0].ExecutionNotes)
	assert.Equal(t, 4, rem.submits[0].PRNumber)
}

func TestRejectWithFeedback(t *testing.T) {
	rem := &fakeRemote{}
	env := testEnv(t, rem, &fakeRepo{})

	tsk := &task.Task{ID: "TASK-1", ClaimedBy: "gatekeeper-1"}
	res := &task.Result{Status: "done", Decision: task.DecisionReject, Comment: "missing tests"}
	require.NoError(t, Run(context.Background(), "reject_with_feedback", env, tsk, res, t.TempDir()))

	require.Len(t, rem.rejects, 1)
	assert.Equal(t, "missing tests", rem.rejects[0].Reason)
	assert.Equal(t, "gatekeeper-1", rem.rejects[0].RejectedBy)

	entries, err := env.Threads.Read("TASK-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gatekeeper", entries[0].Role)
	assert.Equal(t, "missing tests", entries[0].Content)
	assert.Equal(t, "gatekeeper-1", entries[0].Author)
}

func TestRejectWithoutComment(t *testing.T) {
	rem := &fakeRemote{}
	env := testEnv(t, rem, &fakeRepo{})

	tsk := &task.Task{ID: "TASK-1"}
	res := &task.Result{Status: "done", Decision: task.DecisionReject}
	require.NoError(t, Run(context.Background(), "reject_with_feedback", env, tsk, res, t.TempDir()))

	require.Len(t, rem.rejects, 1)
	assert.Equal(t, "Rejected without comment", rem.rejects[0].Reason)
	assert.Equal(t, "gatekeeper", rem.rejects[0].RejectedBy)
}

func TestPostReviewComment(t *testing.T) {
	r := &fakeRepo{}
	env := testEnv(t, &fakeRemote{}, r)

	tsk := &task.Task{ID: "TASK-1", PRNumber: 7}
	res := &task.Result{Status: "done", Decision: task.DecisionApprove, Comment: "looks good"}
	require.NoError(t, Run(context.Background(), "post_review_comment", env, tsk, res, t.TempDir()))
	assert.Equal(t, []string{"looks good"}, r.comments)
}

func TestPostReviewCommentNothingToSay(t *testing.T) {
	r := &fakeRepo{}
	env := testEnv(t, &fakeRemote{}, r)

	require.NoError(t, Run(context.Background(), "post_review_comment", env, &task.Task{ID: "TASK-1", PRNumber: 7}, &task.Result{}, t.TempDir()))
	assert.Empty(t, r.comments)
}

func TestRebaseOnMainSuccessForcePushes(t *testing.T) {
	rem := &fakeRemote{}
	r := &fakeRepo{rebase: &repo.RebaseResult{Status: repo.RebaseSuccess}}
	env := testEnv(t, rem, r)

	tsk := &task.Task{ID: "TASK-1", NeedsRebase: true}
	require.NoError(t, Run(context.Background(), "rebase_on_main", env, tsk, nil, t.TempDir()))

	require.Equal(t, []bool{true}, r.pushes, "rewritten history needs a lease-protected force push")
	require.Len(t, rem.updates, 1)
	assert.Equal(t, false, rem.updates[0]["needs_rebase"])
	assert.False(t, tsk.NeedsRebase)
}

func TestRebaseOnMainUpToDate(t *testing.T) {
	r := &fakeRepo{rebase: &repo.RebaseResult{Status: repo.RebaseUpToDate}}
	env := testEnv(t, &fakeRemote{}, r)

	require.NoError(t, Run(context.Background(), "rebase_on_main", env, &task.Task{ID: "TASK-1"}, nil, t.TempDir()))
	assert.Empty(t, r.pushes)
}

func TestRebaseOnMainConflict(t *testing.T) {
	r := &fakeRepo{rebase: &repo.RebaseResult{
		Status:         repo.RebaseConflict,
		ConflictOutput: "CONFLICT (content): Merge conflict in main.go",
	}}
	env := testEnv(t, &fakeRemote{}, r)

	err := Run(context.Background(), "rebase_on_main", env, &task.Task{ID: "TASK-1"}, nil, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Merge conflict in main.go")
}
