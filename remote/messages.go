package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Message types and actors used by the dispatch loop.
const (
	MessageTypeActionCommand = "action_command"
	MessageTypeWorkerResult  = "worker_result"

	ActorAgent = "agent"
	ActorHuman = "human"
)

// Message is one entry in the store's append-only message log.
// Messages are never updated or deleted, only created and listed.
type Message struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id,omitempty"`
	FromActor string `json:"from_actor"`
	ToActor   string `json:"to_actor"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateMessageRequest creates a new message. The store assigns the id
// and timestamp.
type CreateMessageRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	FromActor string `json:"from_actor"`
	ToActor   string `json:"to_actor"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

// ListMessagesOptions filters a message listing.
type ListMessagesOptions struct {
	ToActor string
	Type    string
	TaskID  string
}

// CreateMessage appends a message to the store.
func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	var m Message
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/messages", nil, req, &m); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return &m, nil
}

// ListMessages lists messages matching the given filters.
func (c *Client) ListMessages(ctx context.Context, opts ListMessagesOptions) ([]Message, error) {
	query := url.Values{}
	if opts.ToActor != "" {
		query.Set("to_actor", opts.ToActor)
	}
	if opts.Type != "" {
		query.Set("type", opts.Type)
	}
	if opts.TaskID != "" {
		query.Set("task_id", opts.TaskID)
	}

	var messages []Message
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/messages", query, nil, &messages); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// TaskMessages lists the messages attached to one task.
func (c *Client) TaskMessages(ctx context.Context, taskID string) ([]Message, error) {
	var messages []Message
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/tasks/"+url.PathEscape(taskID)+"/messages", nil, nil, &messages); err != nil {
		return nil, fmt.Errorf("failed to list messages for task %s: %w", taskID, err)
	}
	return messages, nil
}

// CreateTaskMessage appends a message to a task's log.
func (c *Client) CreateTaskMessage(ctx context.Context, taskID string, req CreateMessageRequest) (*Message, error) {
	var m Message
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/tasks/"+url.PathEscape(taskID)+"/messages", nil, req, &m); err != nil {
		return nil, fmt.Errorf("failed to create message for task %s: %w", taskID, err)
	}
	return &m, nil
}
