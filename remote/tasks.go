package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/c360studio/octopoid/task"
)

// ListTasksOptions filters a task listing. Zero-valued fields are omitted.
type ListTasksOptions struct {
	Queue     string
	Role      string
	ProjectID string
	Priority  string
	Limit     int
}

// ClaimRequest asks the store to atomically hand over the next
// claimable task matching the filters. The store applies strict
// priority then FIFO ordering and returns at most one task.
// AgentHooks are attached to the claimed task's hook list server-side;
// the orchestrator never executes them itself.
type ClaimRequest struct {
	OrchestratorID string      `json:"orchestrator_id"`
	AgentName      string      `json:"agent_name"`
	RoleFilter     string      `json:"role_filter,omitempty"`
	TypeFilter     string      `json:"type_filter,omitempty"`
	AgentHooks     []task.Hook `json:"agent_hooks,omitempty"`
}

// SubmitRequest carries the implementation summary recorded when a
// task moves to a review queue.
type SubmitRequest struct {
	CommitsCount   int    `json:"commits_count"`
	TurnsUsed      int    `json:"turns_used"`
	ExecutionNotes string `json:"execution_notes,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
}

// RejectRequest sends a task back to its author with review feedback.
type RejectRequest struct {
	Reason     string `json:"reason"`
	RejectedBy string `json:"rejected_by"`
}

// CreateTask creates a task. Fields is passed through as-is so callers
// can set attributes this client has no typed view of.
func (c *Client) CreateTask(ctx context.Context, fields map[string]any) (*task.Task, error) {
	var created task.Task
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks", nil, fields, &created); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &created, nil
}

// GetTask fetches a task by id. A 404 from the store is returned as
// ErrNotFound so callers can treat the task as absent.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodGet, apiPrefix+"/tasks/"+url.PathEscape(id), nil, nil, &t)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &t, nil
}

// ListTasks lists tasks matching the given filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]task.Task, error) {
	query := url.Values{}
	if opts.Queue != "" {
		query.Set("queue", opts.Queue)
	}
	if opts.Role != "" {
		query.Set("role", opts.Role)
	}
	if opts.ProjectID != "" {
		query.Set("project_id", opts.ProjectID)
	}
	if opts.Priority != "" {
		query.Set("priority", opts.Priority)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	var tasks []task.Task
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/tasks", query, nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask claims the next available task for an agent. Returns
// (nil, nil) when no claimable work exists.
func (c *Client) ClaimTask(ctx context.Context, req ClaimRequest) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks/claim", nil, req, &t)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if t.ID == "" {
		// Some stores answer an empty claim with 200 and no body.
		return nil, nil
	}
	return &t, nil
}

// SubmitTask moves a claimed task to its review queue, recording the
// implementation summary.
func (c *Client) SubmitTask(ctx context.Context, id string, req SubmitRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks/"+url.PathEscape(id)+"/submit", nil, req, &t); err != nil {
		return nil, fmt.Errorf("failed to submit task %s: %w", id, err)
	}
	return &t, nil
}

// AcceptTask marks a reviewed task as done.
func (c *Client) AcceptTask(ctx context.Context, id, acceptedBy string) (*task.Task, error) {
	body := map[string]string{"accepted_by": acceptedBy}
	var t task.Task
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks/"+url.PathEscape(id)+"/accept", nil, body, &t); err != nil {
		return nil, fmt.Errorf("failed to accept task %s: %w", id, err)
	}
	return &t, nil
}

// RejectTask sends a reviewed task back with feedback. The store
// increments the task's rejection count.
func (c *Client) RejectTask(ctx context.Context, id string, req RejectRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks/"+url.PathEscape(id)+"/reject", nil, req, &t); err != nil {
		return nil, fmt.Errorf("failed to reject task %s: %w", id, err)
	}
	return &t, nil
}

// UpdateTask patches arbitrary task fields.
func (c *Client) UpdateTask(ctx context.Context, id string, fields map[string]any) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPatch, apiPrefix+"/tasks/"+url.PathEscape(id), nil, fields, &t); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return &t, nil
}

// RequeueTask returns a task to the incoming queue, clearing its claim.
func (c *Client) RequeueTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks/"+url.PathEscape(id)+"/requeue", nil, nil, &t); err != nil {
		return nil, fmt.Errorf("failed to requeue task %s: %w", id, err)
	}
	return &t, nil
}
