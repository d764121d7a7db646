package step

import (
	"context"
	"fmt"

	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/repo"
	"github.com/c360studio/octopoid/task"
	"github.com/c360studio/octopoid/thread"
)

func init() {
	register("push_branch", pushBranch)
	register("run_tests", runTests)
	register("create_pr", createPR)
	register("merge_pr", mergePR)
	register("submit_to_server", submitToServer)
	register("reject_with_feedback", rejectWithFeedback)
	register("post_review_comment", postReviewComment)
	register("rebase_on_main", rebaseOnMain)
}

// taskBranch picks the branch a task's work lives on.
func taskBranch(t *task.Task) string {
	if t.Branch != "" {
		return t.Branch
	}
	return t.AgentBranch()
}

// ensureAndPush puts the worktree on the task branch and pushes it.
func ensureAndPush(ctx context.Context, r Repository, t *task.Task, force bool) error {
	branch := taskBranch(t)
	if err := r.EnsureOnBranch(ctx, branch); err != nil {
		return err
	}
	if _, err := r.PushBranch(ctx, force); err != nil {
		return err
	}
	return nil
}

// pushBranch ensures the agent branch exists at the worktree HEAD and
// pushes it with upstream set.
func pushBranch(ctx context.Context, env Env, t *task.Task, _ *task.Result, taskDir string) error {
	r := env.NewRepo(worktreePath(taskDir))
	return ensureAndPush(ctx, r, t, false)
}

// runTests detects the worktree's test runner and executes it, bounded
// by the configured test timeout.
func runTests(ctx context.Context, env Env, t *task.Task, _ *task.Result, taskDir string) error {
	dir := worktreePath(taskDir)

	command := env.Config.Steps.TestCommand
	if command == "" {
		detected, err := DetectTestCommand(dir)
		if err != nil {
			return err
		}
		if detected == "" {
			env.Logger.Info("no test runner detected, skipping tests", "task_id", t.ID)
			return nil
		}
		command = detected
	}

	ctx, cancel := context.WithTimeout(ctx, env.Config.GetTestTimeout())
	defer cancel()

	env.Logger.Info("running tests", "task_id", t.ID, "command", command)
	if err := runTestCommand(ctx, dir, command); err != nil {
		return fmt.Errorf("tests failed: %w", err)
	}
	return nil
}

// createPR pushes the branch, then opens (or finds) the PR for it and
// records pr_url/pr_number on the server task. Safe to run repeatedly.
func createPR(ctx context.Context, env Env, t *task.Task, _ *task.Result, taskDir string) error {
	r := env.NewRepo(worktreePath(taskDir))
	if err := ensureAndPush(ctx, r, t, false); err != nil {
		return err
	}

	title := t.ID
	if s := t.Title(); s != "" {
		title = fmt.Sprintf("%s: %s", t.ID, s)
	}
	body := fmt.Sprintf("Automated change for task %s.", t.ID)

	pr, err := r.CreatePR(ctx, title, body, taskBranch(t))
	if err != nil {
		return err
	}

	if _, err := env.Remote.UpdateTask(ctx, t.ID, map[string]any{
		"pr_url":    pr.URL,
		"pr_number": pr.Number,
	}); err != nil {
		return fmt.Errorf("failed to record PR on task: %w", err)
	}

	// Later steps in the same transition see the PR without a refetch.
	t.PRURL = pr.URL
	t.PRNumber = pr.Number
	return nil
}

// mergePR merges the task's PR. A merge-blocking state marks the task
// needs_rebase and fails the step so the transition does not complete.
func mergePR(ctx context.Context, env Env, t *task.Task, _ *task.Result, taskDir string) error {
	if t.PRNumber == 0 {
		return fmt.Errorf("task has no PR to merge")
	}

	r := env.NewRepo(worktreePath(taskDir))

	state, err := r.GetPRState(ctx, t.PRNumber)
	if err != nil {
		return err
	}
	if state.Mergeable == repo.MergeConflicting {
		if _, updateErr := env.Remote.UpdateTask(ctx, t.ID, map[string]any{"needs_rebase": true}); updateErr != nil {
			env.Logger.Warn("failed to flag needs_rebase", "task_id", t.ID, "error", updateErr)
		}
		return fmt.Errorf("PR #%d has merge conflicts, task flagged for rebase", t.PRNumber)
	}

	if _, err := r.MergePR(ctx, t.PRNumber, env.Config.Git.MergeMethod); err != nil {
		return err
	}
	return nil
}

// submitToServer counts commits against the base branch and records
// the implementation summary on the server.
func submitToServer(ctx context.Context, env Env, t *task.Task, result *task.Result, taskDir string) error {
	r := env.NewRepo(worktreePath(taskDir))

	status, err := r.Status(ctx)
	if err != nil {
		return err
	}

	req := remote.SubmitRequest{
		CommitsCount: status.CommitsAhead,
		TurnsUsed:    t.TurnsUsed,
		PRURL:        t.PRURL,
		PRNumber:     t.PRNumber,
	}
	if result != nil {
		req.ExecutionNotes = result.Reason
	}

	if _, err := env.Remote.SubmitTask(ctx, t.ID, req); err != nil {
		return err
	}
	return nil
}

// rejectWithFeedback appends the reviewer's comment to the task thread
// and rejects the task on the server.
func rejectWithFeedback(ctx context.Context, env Env, t *task.Task, result *task.Result, _ string) error {
	comment := "Rejected without comment"
	if result != nil && result.FeedbackComment() != "" {
		comment = result.FeedbackComment()
	}

	rejectedBy := t.ClaimedBy
	if rejectedBy == "" {
		rejectedBy = "gatekeeper"
	}

	if err := env.Threads.Append(t.ID, thread.Entry{
		Role:    "gatekeeper",
		Content: comment,
		Author:  rejectedBy,
	}); err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}

	if _, err := env.Remote.RejectTask(ctx, t.ID, remote.RejectRequest{
		Reason:     comment,
		RejectedBy: rejectedBy,
	}); err != nil {
		return err
	}
	return nil
}

// postReviewComment adds a review comment to the task's PR without
// touching task state. Nothing to say is a no-op.
func postReviewComment(ctx context.Context, env Env, t *task.Task, result *task.Result, taskDir string) error {
	if result == nil || result.FeedbackComment() == "" {
		return nil
	}
	if t.PRNumber == 0 {
		return fmt.Errorf("task has no PR to comment on")
	}

	r := env.NewRepo(worktreePath(taskDir))
	return r.PostPRComment(ctx, t.PRNumber, result.FeedbackComment())
}

// rebaseOnMain rebases the worktree onto the base branch. A rewritten
// history is pushed with --force-with-lease so the remote branch
// matches before any PR step runs.
func rebaseOnMain(ctx context.Context, env Env, t *task.Task, _ *task.Result, taskDir string) error {
	r := env.NewRepo(worktreePath(taskDir))

	result, err := r.RebaseOnBase(ctx)
	if err != nil {
		return err
	}

	switch result.Status {
	case repo.RebaseUpToDate:
		return nil
	case repo.RebaseSuccess:
		if _, err := r.PushBranch(ctx, true); err != nil {
			return fmt.Errorf("rebased but push failed: %w", err)
		}
		if t.NeedsRebase {
			if _, err := env.Remote.UpdateTask(ctx, t.ID, map[string]any{"needs_rebase": false}); err != nil {
				env.Logger.Warn("failed to clear needs_rebase", "task_id", t.ID, "error", err)
			}
			t.NeedsRebase = false
		}
		return nil
	case repo.RebaseConflict:
		return fmt.Errorf("rebase conflict:\n%s", result.ConflictOutput)
	default:
		return fmt.Errorf("rebase failed: %s", result.Message)
	}
}
