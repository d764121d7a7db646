package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePRReturnsExisting(t *testing.T) {
	runner := &fakeRunner{respond: func(_, name, argLine string) (string, error) {
		if name == "gh" && strings.HasPrefix(argLine, "pr list") {
			return `[{"number":42,"url":"https://github.com/acme/widgets/pull/42"}]`, nil
		}
		return "", nil
	}}

	m := newTestManager(runner)
	pr, err := m.CreatePR(context.Background(), "Add widget", "body", "agent/TASK-1")
	require.NoError(t, err)

	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", pr.URL)
	assert.False(t, pr.Created)
	assert.False(t, runner.saw("gh", "pr create"))
}

func TestCreatePRNew(t *testing.T) {
	runner := &fakeRunner{respond: func(_, name, argLine string) (string, error) {
		if name != "gh" {
			return "", nil
		}
		switch {
		case strings.HasPrefix(argLine, "pr list"):
			return "[]", nil
		case strings.HasPrefix(argLine, "pr create"):
			return "Creating pull request for agent/TASK-1 into main\nhttps://github.com/acme/widgets/pull/7\n", nil
		}
		return "", nil
	}}

	m := newTestManager(runner)
	pr, err := m.CreatePR(context.Background(), "Add widget", "body", "agent/TASK-1")
	require.NoError(t, err)

	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", pr.URL)
	assert.True(t, pr.Created)
	assert.True(t, runner.saw("gh", "pr create --title Add widget --body body --head agent/TASK-1 --base main"))
}

func TestCreatePRRaceRetriesLookup(t *testing.T) {
	listCalls := 0
	runner := &fakeRunner{respond: func(_, name, argLine string) (string, error) {
		if name != "gh" {
			return "", nil
		}
		switch {
		case strings.HasPrefix(argLine, "pr list"):
			listCalls++
			if listCalls == 1 {
				return "[]", nil
			}
			return `[{"number":9,"url":"https://github.com/acme/widgets/pull/9"}]`, nil
		case strings.HasPrefix(argLine, "pr create"):
			return "a pull request for branch agent/TASK-1 already exists\n", errors.New("exit status 1")
		}
		return "", nil
	}}

	m := newTestManager(runner)
	pr, err := m.CreatePR(context.Background(), "Add widget", "", "agent/TASK-1")
	require.NoError(t, err)

	assert.Equal(t, 9, pr.Number)
	assert.False(t, pr.Created)
	assert.Equal(t, 2, listCalls)
}

func TestCreatePRFromDetachedHead(t *testing.T) {
	runner := &fakeRunner{respond: func(_, _, argLine string) (string, error) {
		if argLine == "rev-parse --abbrev-ref HEAD" {
			return "HEAD\n", nil
		}
		return "[]", nil
	}}

	m := newTestManager(runner)
	_, err := m.CreatePR(context.Background(), "title", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detached HEAD")
}

func TestMergePR(t *testing.T) {
	runner := &fakeRunner{}

	m := newTestManager(runner)
	merged, err := m.MergePR(context.Background(), 42, "squash")
	require.NoError(t, err)
	assert.True(t, merged)
	assert.True(t, runner.saw("gh", "pr merge 42 --squash"))
}

func TestMergePRFailure(t *testing.T) {
	runner := &fakeRunner{respond: func(_, name, argLine string) (string, error) {
		if name == "gh" && strings.HasPrefix(argLine, "pr merge") {
			return "Pull request is not mergeable\n", errors.New("exit status 1")
		}
		return "", nil
	}}

	m := newTestManager(runner)
	merged, err := m.MergePR(context.Background(), 42, "")
	require.Error(t, err)
	assert.False(t, merged)
}

func TestGetPRState(t *testing.T) {
	runner := &fakeRunner{respond: func(_, name, argLine string) (string, error) {
		if name == "gh" && strings.HasPrefix(argLine, "pr view 42") {
			return `{"state":"OPEN","mergeable":"CONFLICTING","mergeStateStatus":"DIRTY","url":"https://github.com/acme/widgets/pull/42"}`, nil
		}
		return "", nil
	}}

	m := newTestManager(runner)
	state, err := m.GetPRState(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "OPEN", state.State)
	assert.Equal(t, MergeConflicting, state.Mergeable)
	assert.Equal(t, "DIRTY", state.MergeStateStatus)
}

func TestPostPRComment(t *testing.T) {
	runner := &fakeRunner{}

	m := newTestManager(runner)
	err := m.PostPRComment(context.Background(), 7, "Needs another pass on error handling.")
	require.NoError(t, err)
	assert.True(t, runner.saw("gh", "pr comment 7 --body Needs another pass"))
}

func TestExtractPRNumber(t *testing.T) {
	tests := []struct {
		url  string
		want int
	}{
		{"https://github.com/acme/widgets/pull/123", 123},
		{"https://github.com/acme/widgets/pull/1\n", 1},
		{"not a url", 0},
		{"", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extractPRNumber(tt.url), "url %q", tt.url)
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "https://github.com/a/b/pull/3",
		lastNonEmptyLine("progress\nhttps://github.com/a/b/pull/3\n\n"))
	assert.Equal(t, "", lastNonEmptyLine("\n\n"))
}
