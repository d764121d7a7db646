package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// RegisterOrchestratorRequest announces a running orchestrator to the
// store so dashboards can show which machines serve which agents.
type RegisterOrchestratorRequest struct {
	OrchestratorID string   `json:"orchestrator_id"`
	MachineID      string   `json:"machine_id"`
	Cluster        string   `json:"cluster,omitempty"`
	Agents         []string `json:"agents,omitempty"`
}

// PollResult is the store's per-orchestrator scheduling snapshot.
type PollResult struct {
	QueueCounts    map[string]int `json:"queue_counts"`
	ClaimableTasks int            `json:"claimable_tasks"`
	PendingActions int            `json:"pending_actions"`
}

// RegisterOrchestrator registers this orchestrator instance with the store.
func (c *Client) RegisterOrchestrator(ctx context.Context, req RegisterOrchestratorRequest) error {
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/orchestrators/register", nil, req, nil); err != nil {
		return fmt.Errorf("failed to register orchestrator: %w", err)
	}
	return nil
}

// Poll fetches queue counts and claimable-work hints for one
// orchestrator. Unlike the rest of the API this endpoint lives outside
// the /api/v1 prefix.
func (c *Client) Poll(ctx context.Context, orchestratorID string) (*PollResult, error) {
	query := url.Values{}
	query.Set("orchestrator_id", orchestratorID)

	var result PollResult
	if err := c.do(ctx, http.MethodGet, "/scheduler/poll", query, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to poll scheduler: %w", err)
	}
	return &result, nil
}
