package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/c360studio/octopoid/task"
)

// Project groups related tasks under a shared branch. Child tasks of a
// project run the project flow's child_flow when one is defined.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, fields map[string]any) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/projects", nil, fields, &p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return &p, nil
}

// GetProject fetches a project by id. Returns ErrNotFound on 404.
func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := c.do(ctx, http.MethodGet, apiPrefix+"/projects/"+url.PathEscape(id), nil, nil, &p)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects lists all projects in scope.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/projects", nil, nil, &projects); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// UpdateProject patches arbitrary project fields.
func (c *Client) UpdateProject(ctx context.Context, id string, fields map[string]any) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodPatch, apiPrefix+"/projects/"+url.PathEscape(id), nil, fields, &p); err != nil {
		return nil, fmt.Errorf("failed to update project %s: %w", id, err)
	}
	return &p, nil
}

// ProjectTasks lists the tasks belonging to a project.
func (c *Client) ProjectTasks(ctx context.Context, id string) ([]task.Task, error) {
	var tasks []task.Task
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/projects/"+url.PathEscape(id)+"/tasks", nil, nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks for project %s: %w", id, err)
	}
	return tasks, nil
}
