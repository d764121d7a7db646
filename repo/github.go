package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PullRequest is the result of CreatePR. Created is false when an
// open PR for the branch already existed.
type PullRequest struct {
	URL     string `json:"url"`
	Number  int    `json:"number"`
	Created bool   `json:"-"`
}

// PRState is the review/merge state of a pull request as reported by
// gh. Mergeable is CONFLICTING when the branch cannot merge cleanly.
type PRState struct {
	State            string `json:"state"`
	Mergeable        string `json:"mergeable"`
	MergeStateStatus string `json:"mergeStateStatus"`
	URL              string `json:"url"`
}

// MergeConflicting is the gh mergeable value for a PR with conflicts.
const MergeConflicting = "CONFLICTING"

// CreatePR opens a pull request for headBranch against the base
// branch. Idempotent: an existing open PR on the branch is returned
// with Created=false. A create that races another create ("already
// exists") retries the lookup once.
func (m *Manager) CreatePR(ctx context.Context, title, body, headBranch string) (*PullRequest, error) {
	branch := headBranch
	if branch == "" {
		current, err := m.currentBranch(ctx)
		if err != nil {
			return nil, err
		}
		if current == "HEAD" {
			return nil, fmt.Errorf("cannot create PR from detached HEAD")
		}
		branch = current
	}

	if existing, err := m.findOpenPR(ctx, branch); err == nil && existing != nil {
		return existing, nil
	}

	args := []string{"pr", "create",
		"--title", title,
		"--body", body,
		"--head", branch,
		"--base", m.baseBranch,
	}

	output, err := m.runGH(ctx, args...)
	if err != nil {
		if strings.Contains(output, "already exists") {
			if existing, lookupErr := m.findOpenPR(ctx, branch); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create PR for %s: %w", branch, err)
	}

	url := lastNonEmptyLine(output)
	return &PullRequest{
		URL:     url,
		Number:  extractPRNumber(url),
		Created: true,
	}, nil
}

// findOpenPR looks up an open PR for the branch. Returns (nil, nil)
// when none exists.
func (m *Manager) findOpenPR(ctx context.Context, branch string) (*PullRequest, error) {
	output, err := m.runGH(ctx, "pr", "list",
		"--head", branch,
		"--state", "open",
		"--json", "number,url",
		"--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("failed to list PRs for %s: %w", branch, err)
	}

	var prs []PullRequest
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &prs); err != nil {
		return nil, fmt.Errorf("failed to parse PR list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	pr := prs[0]
	pr.Created = false
	return &pr, nil
}

// MergePR merges a pull request with the given method (merge, squash,
// rebase). Returns false with the underlying error when the merge
// command fails.
func (m *Manager) MergePR(ctx context.Context, number int, method string) (bool, error) {
	if method == "" {
		method = "squash"
	}

	args := []string{"pr", "merge", strconv.Itoa(number), "--" + method}
	if _, err := m.runGH(ctx, args...); err != nil {
		return false, fmt.Errorf("failed to merge PR #%d: %w", number, err)
	}
	return true, nil
}

// GetPRState fetches the merge state of a pull request.
func (m *Manager) GetPRState(ctx context.Context, number int) (*PRState, error) {
	output, err := m.runGH(ctx, "pr", "view", strconv.Itoa(number),
		"--json", "state,mergeable,mergeStateStatus,url")
	if err != nil {
		return nil, fmt.Errorf("failed to view PR #%d: %w", number, err)
	}

	var state PRState
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &state); err != nil {
		return nil, fmt.Errorf("failed to parse PR state: %w", err)
	}
	return &state, nil
}

// PostPRComment adds a comment to a pull request.
func (m *Manager) PostPRComment(ctx context.Context, number int, body string) error {
	if _, err := m.runGH(ctx, "pr", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("failed to comment on PR #%d: %w", number, err)
	}
	return nil
}

// extractPRNumber extracts the PR number from a GitHub PR URL.
func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(strings.TrimSpace(url), "/")
	if len(parts) == 0 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return n
}

// lastNonEmptyLine returns the final non-blank line of command output.
// gh pr create prints progress lines before the PR URL.
func lastNonEmptyLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// IsGHAvailable checks if the gh CLI is available and authenticated.
func IsGHAvailable() bool {
	cmd := exec.Command("gh", "auth", "status")
	return cmd.Run() == nil
}
