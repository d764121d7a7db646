package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// FlowDefinition is the store's view of a flow: enough for dashboards
// to render queue topology without parsing YAML.
type FlowDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	States      []string         `json:"states"`
	Transitions []FlowTransition `json:"transitions"`
}

// FlowTransition is one edge of a registered flow.
type FlowTransition struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Agent string   `json:"agent,omitempty"`
	Runs  []string `json:"runs,omitempty"`
}

// RegisterFlow publishes a flow definition to the store. PUT makes the
// call idempotent: re-registering the same name replaces the previous
// definition.
func (c *Client) RegisterFlow(ctx context.Context, name string, def FlowDefinition) error {
	if err := c.do(ctx, http.MethodPut, apiPrefix+"/flows/"+url.PathEscape(name), nil, def, nil); err != nil {
		return fmt.Errorf("failed to register flow %s: %w", name, err)
	}
	return nil
}
