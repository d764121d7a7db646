// Package task defines the task record exchanged with the remote store,
// the agent result shapes, and the task markdown file codec.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved queue names with engine-level meaning. Flows may declare
// additional queues; these are the well-known members of the set.
const (
	QueueIncoming          = "incoming"
	QueueClaimed           = "claimed"
	QueueProvisional       = "provisional"
	QueueDone              = "done"
	QueueFailed            = "failed"
	QueueRejected          = "rejected"
	QueueNeedsContinuation = "needs_continuation"
)

// Task is the local typed view of a remote-owned task record. Unknown
// JSON fields are preserved in Extra and carried through updates
// unchanged, so the orchestrator never strips server-side additions.
type Task struct {
	// ID uniquely identifies the task
	ID string `json:"id"`

	// Queue is the current state in the task's flow
	Queue string `json:"queue"`

	// Role names the agent role that handles this task
	Role string `json:"role"`

	// Priority is P0 (highest) through P3
	Priority string `json:"priority"`

	// Branch is the git base branch the task targets
	Branch string `json:"branch,omitempty"`

	// Flow names the state machine governing this task (default "default")
	Flow string `json:"flow,omitempty"`

	// ProjectID links a child task to its project
	ProjectID string `json:"project_id,omitempty"`

	// BlockedBy is a comma-separated list of blocking task ids
	BlockedBy string `json:"blocked_by,omitempty"`

	// ClaimedBy records the orchestrator/agent holding the claim
	ClaimedBy string `json:"claimed_by,omitempty"`

	// ClaimedAt is the server-side claim timestamp (RFC 3339)
	ClaimedAt string `json:"claimed_at,omitempty"`

	// Type is an optional free-form task category used by type filters
	Type string `json:"type,omitempty"`

	// PRURL is the pull request URL once created
	PRURL string `json:"pr_url,omitempty"`

	// PRNumber is the pull request number once created
	PRNumber int `json:"pr_number,omitempty"`

	// CommitsCount is the number of commits ahead of base at submit
	CommitsCount int `json:"commits_count,omitempty"`

	// TurnsUsed counts agent turns consumed so far
	TurnsUsed int `json:"turns_used,omitempty"`

	// RejectionCount counts gatekeeper rejections
	RejectionCount int `json:"rejection_count,omitempty"`

	// NeedsRebase is set when a merge was blocked by conflicts
	NeedsRebase bool `json:"needs_rebase,omitempty"`

	// Hooks is a JSON-serialized list of server-attached hooks
	Hooks string `json:"hooks,omitempty"`

	// Extra holds every JSON field not mapped above
	Extra map[string]json.RawMessage `json:"-"`
}

// knownTaskFields are the JSON keys mapped onto typed Task fields.
var knownTaskFields = map[string]bool{
	"id": true, "queue": true, "role": true, "priority": true,
	"branch": true, "flow": true, "project_id": true, "blocked_by": true,
	"claimed_by": true, "claimed_at": true, "type": true, "pr_url": true,
	"pr_number": true, "commits_count": true, "turns_used": true,
	"rejection_count": true, "needs_rebase": true, "hooks": true,
}

// UnmarshalJSON decodes the typed fields and captures the remainder in Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	type Alias Task
	if err := json.Unmarshal(data, (*Alias)(t)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownTaskFields[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MarshalJSON encodes the typed fields merged with Extra. Typed fields win
// on key collision.
func (t *Task) MarshalJSON() ([]byte, error) {
	type Alias Task
	typed, err := json.Marshal((*Alias)(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(t.Extra)+16)
	for key, value := range t.Extra {
		merged[key] = value
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for key, value := range typedMap {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// FlowName returns the governing flow, defaulting to "default".
func (t *Task) FlowName() string {
	if t.Flow == "" {
		return "default"
	}
	return t.Flow
}

// BlockedByIDs splits the blocked_by field into trimmed task ids.
func (t *Task) BlockedByIDs() []string {
	if strings.TrimSpace(t.BlockedBy) == "" {
		return nil
	}
	parts := strings.Split(t.BlockedBy, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// AgentBranch returns the working branch an agent pushes for this task.
func (t *Task) AgentBranch() string {
	return "agent/" + t.ID
}

// Title returns the human title carried in the task's passthrough
// fields, or "" when the server record has none.
func (t *Task) Title() string {
	raw, ok := t.Extra["title"]
	if !ok {
		return ""
	}
	var title string
	if err := json.Unmarshal(raw, &title); err != nil {
		return ""
	}
	return title
}

// Validate checks the fields the orchestrator depends on.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if t.Queue == "" {
		return &ValidationError{Field: "queue", Message: "queue is required"}
	}
	if t.Priority != "" && !ValidPriority(t.Priority) {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("invalid priority %q", t.Priority)}
	}
	return nil
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Priorities in claim order, highest first.
var Priorities = []string{"P0", "P1", "P2", "P3"}

// ValidPriority reports whether p is one of P0..P3.
func ValidPriority(p string) bool {
	return PriorityRank(p) >= 0
}

// PriorityRank returns 0 for P0 through 3 for P3, -1 for anything else.
func PriorityRank(p string) int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return -1
}

// Hook is one entry of a task's server-attached hook list.
type Hook struct {
	Name   string `json:"name"`
	Point  string `json:"point"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// ParseHooks decodes the task's JSON-serialized hook list.
func (t *Task) ParseHooks() ([]Hook, error) {
	if strings.TrimSpace(t.Hooks) == "" {
		return nil, nil
	}
	var hooks []Hook
	if err := json.Unmarshal([]byte(t.Hooks), &hooks); err != nil {
		return nil, fmt.Errorf("failed to parse hooks: %w", err)
	}
	return hooks, nil
}

// EncodeHooks serializes a hook list for the hooks field.
func EncodeHooks(hooks []Hook) (string, error) {
	if len(hooks) == 0 {
		return "", nil
	}
	data, err := json.Marshal(hooks)
	if err != nil {
		return "", fmt.Errorf("failed to encode hooks: %w", err)
	}
	return string(data), nil
}
