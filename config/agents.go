package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentHook describes a server-side hook attached to claims made by a
// blueprint. The orchestrator carries hooks through to the task record
// but never executes them; that belongs to the agent runtime.
type AgentHook struct {
	Name  string `yaml:"name"`
	Point string `yaml:"point"`
	Type  string `yaml:"type"`
}

// Blueprint configures one agent pool: which role it serves, how many
// instances may run at once, and which tasks it claims.
type Blueprint struct {
	// Name identifies the pool (e.g., "implementer-1")
	Name string `yaml:"name"`
	// Role is the agent role claimed work is executed as
	Role string `yaml:"role"`
	// RoleFilter restricts claims to tasks with this role (empty = Role)
	RoleFilter string `yaml:"role_filter"`
	// TypeFilter restricts claims to tasks with this type (optional)
	TypeFilter string `yaml:"type_filter"`
	// MaxInstances caps concurrent subprocesses for this pool
	MaxInstances int `yaml:"max_instances"`
	// Priority orders pools during claiming; lower claims first
	Priority int `yaml:"priority"`
	// PromptTemplate overrides the built-in role prompt when set (path
	// relative to the flows directory's parent)
	PromptTemplate string `yaml:"prompt_template"`
	// AgentHooks are passed through on claims
	AgentHooks []AgentHook `yaml:"agent_hooks"`
}

// EffectiveRoleFilter returns the claim role filter, defaulting to Role.
func (b *Blueprint) EffectiveRoleFilter() string {
	if b.RoleFilter != "" {
		return b.RoleFilter
	}
	return b.Role
}

// AgentsFile is the top-level shape of agents.yaml.
type AgentsFile struct {
	Agents []Blueprint `yaml:"agents"`
}

// DefaultAgents returns the blueprint set written by init: one
// implementer pool and one gatekeeper pool.
func DefaultAgents() *AgentsFile {
	return &AgentsFile{
		Agents: []Blueprint{
			{
				Name:         "implementer",
				Role:         "implementer",
				MaxInstances: 2,
				Priority:     1,
			},
			{
				Name:         "gatekeeper",
				Role:         "gatekeeper",
				MaxInstances: 1,
				Priority:     0,
			},
		},
	}
}

// Validate checks blueprint definitions for errors.
func (a *AgentsFile) Validate() error {
	if len(a.Agents) == 0 {
		return fmt.Errorf("agents.yaml defines no agents")
	}
	seen := make(map[string]bool, len(a.Agents))
	for i := range a.Agents {
		b := &a.Agents[i]
		if b.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("agent %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
		if b.Role == "" {
			return fmt.Errorf("agent %q: role is required", b.Name)
		}
		if b.MaxInstances < 1 {
			return fmt.Errorf("agent %q: max_instances must be at least 1", b.Name)
		}
		for _, h := range b.AgentHooks {
			if h.Name == "" {
				return fmt.Errorf("agent %q: hook name is required", b.Name)
			}
		}
	}
	return nil
}

// LoadAgents loads blueprint definitions from a YAML file.
func LoadAgents(path string) (*AgentsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	agents := &AgentsFile{}
	if err := yaml.Unmarshal(data, agents); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	if err := agents.Validate(); err != nil {
		return nil, err
	}

	return agents, nil
}

// SaveToFile writes blueprint definitions to a YAML file.
func (a *AgentsFile) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create agents directory: %w", err)
	}

	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal agents: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write agents file: %w", err)
	}

	return nil
}
