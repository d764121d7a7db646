package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Action is a server-tracked side effect (for example a dashboard
// button press) that moves through pending, executing, and a terminal
// completed or failed state.
type Action struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateActionRequest creates a new pending action.
type CreateActionRequest struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// CreateAction records a new action in the store.
func (c *Client) CreateAction(ctx context.Context, req CreateActionRequest) (*Action, error) {
	var a Action
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/actions", nil, req, &a); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}
	return &a, nil
}

// ExecuteAction marks an action as executing.
func (c *Client) ExecuteAction(ctx context.Context, id string) (*Action, error) {
	var a Action
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/actions/"+url.PathEscape(id)+"/execute", nil, nil, &a); err != nil {
		return nil, fmt.Errorf("failed to execute action %s: %w", id, err)
	}
	return &a, nil
}

// CompleteAction marks an action as completed with a result summary.
func (c *Client) CompleteAction(ctx context.Context, id, result string) (*Action, error) {
	body := map[string]string{"result": result}
	var a Action
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/actions/"+url.PathEscape(id)+"/complete", nil, body, &a); err != nil {
		return nil, fmt.Errorf("failed to complete action %s: %w", id, err)
	}
	return &a, nil
}

// FailAction marks an action as failed with a reason.
func (c *Client) FailAction(ctx context.Context, id, reason string) (*Action, error) {
	body := map[string]string{"error": reason}
	var a Action
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/actions/"+url.PathEscape(id)+"/fail", nil, body, &a); err != nil {
		return nil, fmt.Errorf("failed to fail action %s: %w", id, err)
	}
	return &a, nil
}
