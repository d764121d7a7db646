package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Status is a snapshot of the working tree.
type Status struct {
	Branch         string
	CommitsAhead   int
	HasUncommitted bool
	HeadRef        string
}

// RebaseStatus classifies the outcome of a rebase attempt.
type RebaseStatus string

const (
	RebaseSuccess  RebaseStatus = "success"
	RebaseConflict RebaseStatus = "conflict"
	RebaseUpToDate RebaseStatus = "up_to_date"
	RebaseError    RebaseStatus = "error"
)

// RebaseResult reports a rebase attempt. ConflictOutput carries the
// conflicting-file listing when Status is conflict.
type RebaseResult struct {
	Status         RebaseStatus
	Message        string
	ConflictOutput string
}

// Status reports the current branch, how far it is ahead of the base
// branch, and whether uncommitted changes exist.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	branch, err := m.currentBranch(ctx)
	if err != nil {
		return nil, err
	}

	headRef, err := m.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	porcelain, err := m.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	ahead := 0
	// No upstream yet is normal for a fresh branch; leave ahead at zero.
	if countOut, err := m.runGit(ctx, "rev-list", "--count", m.baseRef()+"..HEAD"); err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(countOut)); convErr == nil {
			ahead = n
		}
	}

	return &Status{
		Branch:         branch,
		CommitsAhead:   ahead,
		HasUncommitted: strings.TrimSpace(porcelain) != "",
		HeadRef:        strings.TrimSpace(headRef),
	}, nil
}

// EnsureOnBranch guarantees the working tree is on the named branch.
// Already there is a no-op; a detached HEAD is converted by creating
// the branch in place; any other named branch is an error because it
// means the worktree was handed to the wrong task.
func (m *Manager) EnsureOnBranch(ctx context.Context, name string) error {
	branch, err := m.currentBranch(ctx)
	if err != nil {
		return err
	}

	switch branch {
	case name:
		return nil
	case "HEAD":
		if _, err := m.runGit(ctx, "checkout", "-b", name); err != nil {
			return fmt.Errorf("failed to create branch %s: %w", name, err)
		}
		return nil
	default:
		return fmt.Errorf("working tree is on branch %s, expected %s", branch, name)
	}
}

// PushBranch pushes the current branch to the remote and returns its
// name. Forced pushes use --force-with-lease so a concurrent update on
// the remote is never clobbered silently.
func (m *Manager) PushBranch(ctx context.Context, force bool) (string, error) {
	branch, err := m.currentBranch(ctx)
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		return "", fmt.Errorf("cannot push: working tree is in detached HEAD state")
	}

	args := []string{"push", "--set-upstream"}
	if force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, m.remote, branch)

	if _, err := m.runGit(ctx, args...); err != nil {
		return "", fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	return branch, nil
}

// RebaseOnBase rebases the current branch onto the remote base branch.
// On conflict the rebase is aborted before returning so the working
// tree is always left usable.
func (m *Manager) RebaseOnBase(ctx context.Context) (*RebaseResult, error) {
	if m.remote != "" {
		if out, err := m.runGit(ctx, "fetch", m.remote, m.baseBranch); err != nil {
			return &RebaseResult{Status: RebaseError, Message: fmt.Sprintf("fetch failed: %s", out)}, nil
		}
	}

	behind, err := m.runGit(ctx, "rev-list", "--count", "HEAD.."+m.baseRef())
	if err == nil && strings.TrimSpace(behind) == "0" {
		return &RebaseResult{Status: RebaseUpToDate, Message: "already up to date with " + m.baseRef()}, nil
	}

	output, err := m.runGit(ctx, "rebase", m.baseRef())
	if err == nil {
		return &RebaseResult{Status: RebaseSuccess, Message: strings.TrimSpace(output)}, nil
	}

	if strings.Contains(output, "CONFLICT") {
		// Leave the tree clean for the next attempt.
		if _, abortErr := m.runGit(ctx, "rebase", "--abort"); abortErr != nil {
			m.logger.Warn("rebase abort failed", "error", abortErr)
		}
		return &RebaseResult{Status: RebaseConflict, ConflictOutput: output}, nil
	}

	return &RebaseResult{Status: RebaseError, Message: fmt.Sprintf("rebase failed: %s", output)}, nil
}

// AddWorktree materializes a worktree at path on the given branch,
// creating the branch from the base ref when it does not exist yet.
func (m *Manager) AddWorktree(ctx context.Context, path, branch string) error {
	if m.branchExists(ctx, branch) {
		if _, err := m.runGit(ctx, "worktree", "add", path, branch); err != nil {
			return fmt.Errorf("failed to add worktree for %s: %w", branch, err)
		}
		return nil
	}

	if _, err := m.runGit(ctx, "worktree", "add", "-b", branch, path, m.baseRef()); err != nil {
		return fmt.Errorf("failed to add worktree for %s: %w", branch, err)
	}
	return nil
}

// RemoveWorktree removes a worktree and prunes stale registrations.
func (m *Manager) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := m.runGit(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", path, err)
	}
	if _, err := m.runGit(ctx, "worktree", "prune"); err != nil {
		m.logger.Warn("worktree prune failed", "error", err)
	}
	return nil
}

// PushSubmodule commits and pushes pending work inside a nested
// working tree. The commit only happens when the submodule is dirty.
func (m *Manager) PushSubmodule(ctx context.Context, name, commitMessage string) error {
	subDir := filepath.Join(m.dir, name)

	porcelain, err := m.runGitIn(ctx, subDir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to check submodule %s: %w", name, err)
	}

	if strings.TrimSpace(porcelain) != "" {
		if _, err := m.runGitIn(ctx, subDir, "add", "-A"); err != nil {
			return fmt.Errorf("failed to stage submodule %s: %w", name, err)
		}
		if commitMessage == "" {
			commitMessage = "chore: sync submodule changes"
		}
		if _, err := m.runGitIn(ctx, subDir, "commit", "-m", commitMessage); err != nil {
			return fmt.Errorf("failed to commit submodule %s: %w", name, err)
		}
	}

	if _, err := m.runGitIn(ctx, subDir, "push", m.remote, "HEAD"); err != nil {
		return fmt.Errorf("failed to push submodule %s: %w", name, err)
	}
	return nil
}

// StageSubmodulePointer stages the parent repo's record of a
// submodule's current commit.
func (m *Manager) StageSubmodulePointer(ctx context.Context, name string) error {
	if _, err := m.runGit(ctx, "add", name); err != nil {
		return fmt.Errorf("failed to stage submodule pointer %s: %w", name, err)
	}
	return nil
}
