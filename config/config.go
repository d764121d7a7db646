// Package config provides configuration loading and management for octopoid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration, stored at
// .octopoid/config.yaml in the project root.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Git          GitConfig          `yaml:"git"`
	Steps        StepsConfig        `yaml:"steps"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig configures the remote task-store connection
type ServerConfig struct {
	// URL is the task-store base URL (e.g., "http://localhost:8080")
	URL string `yaml:"url"`
	// APIKey is sent as a bearer token when non-empty
	APIKey string `yaml:"api_key"`
	// Scope is the tenant identifier attached to every request
	Scope string `yaml:"scope"`
	// RequestTimeout bounds each HTTP call (duration string, default 30s)
	RequestTimeout string `yaml:"request_timeout"`
	// RequestsPerSecond caps the client-side request rate (0 = default)
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// OrchestratorConfig configures the scheduler identity and cadence
type OrchestratorConfig struct {
	// MachineID identifies this orchestrator to the server (default: hostname)
	MachineID string `yaml:"machine_id"`
	// Cluster groups orchestrators on the server side
	Cluster string `yaml:"cluster"`
	// TickInterval is the scheduler tick period (duration string, default 10s)
	TickInterval string `yaml:"tick_interval"`
	// StuckClaimAge is the soft age limit after which a claim is reported stuck
	StuckClaimAge string `yaml:"stuck_claim_age"`
}

// AgentConfig configures how worker subprocesses are spawned
type AgentConfig struct {
	// Binary is the agent executable (default: "claude")
	Binary string `yaml:"binary"`
	// Args are prepended to every agent invocation (default: ["-p"])
	Args []string `yaml:"args"`
	// MarkerEnv is the environment variable the agent runtime sets inside
	// agents; it is unset before spawning to prevent nested-agent detection
	MarkerEnv string `yaml:"marker_env"`
}

// GitConfig configures repository operations
type GitConfig struct {
	// BaseBranch is the branch tasks rebase onto and branch from (default: main)
	BaseBranch string `yaml:"base_branch"`
	// Remote is the push target (default: origin)
	Remote string `yaml:"remote"`
	// CommandTimeout bounds each git/gh invocation (duration string, default 60s)
	CommandTimeout string `yaml:"command_timeout"`
	// MergeMethod is passed to the PR merge command (default: squash)
	MergeMethod string `yaml:"merge_method"`
}

// StepsConfig configures step execution
type StepsConfig struct {
	// FailureThreshold trips the circuit breaker after this many
	// consecutive step failures for one task (default 3)
	FailureThreshold int `yaml:"failure_threshold"`
	// TestTimeout bounds the run_tests step (duration string, default 10m)
	TestTimeout string `yaml:"test_timeout"`
	// TestCommand overrides test-runner detection when set
	TestCommand string `yaml:"test_command"`
}

// DispatchConfig configures the message dispatcher
type DispatchConfig struct {
	// StuckAfter force-fails a processing message older than this (default 5m)
	StuckAfter string `yaml:"stuck_after"`
	// AgentTimeout is the wall-clock limit for a dispatched agent (default 3m)
	AgentTimeout string `yaml:"agent_timeout"`
	// MaxTurns is the hard turn cap for dispatched agents (default 5)
	MaxTurns int `yaml:"max_turns"`
	// WritableDir is the only subdirectory a dispatched agent may write
	WritableDir string `yaml:"writable_dir"`
	// InstructionFile is the project-wide instruction file included in prompts
	InstructionFile string `yaml:"instruction_file"`
}

// MetricsConfig configures Prometheus exposition
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			URL:            "http://localhost:8080",
			Scope:          "default",
			RequestTimeout: "30s",
		},
		Orchestrator: OrchestratorConfig{
			MachineID:     hostname,
			Cluster:       "default",
			TickInterval:  "10s",
			StuckClaimAge: "30m",
		},
		Agent: AgentConfig{
			Binary:    "claude",
			Args:      []string{"-p"},
			MarkerEnv: "CLAUDECODE",
		},
		Git: GitConfig{
			BaseBranch:     "main",
			Remote:         "origin",
			CommandTimeout: "60s",
			MergeMethod:    "squash",
		},
		Steps: StepsConfig{
			FailureThreshold: 3,
			TestTimeout:      "10m",
		},
		Dispatch: DispatchConfig{
			StuckAfter:      "5m",
			AgentTimeout:    "3m",
			MaxTurns:        5,
			WritableDir:     "notes",
			InstructionFile: "AGENTS.md",
		},
		Metrics: MetricsConfig{},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Scope == "" {
		return fmt.Errorf("server.scope is required")
	}
	if c.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must be non-negative")
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	if c.Steps.FailureThreshold < 1 {
		return fmt.Errorf("steps.failure_threshold must be at least 1")
	}
	if c.Dispatch.MaxTurns < 1 {
		return fmt.Errorf("dispatch.max_turns must be at least 1")
	}
	for name, value := range map[string]string{
		"server.request_timeout":       c.Server.RequestTimeout,
		"orchestrator.tick_interval":   c.Orchestrator.TickInterval,
		"orchestrator.stuck_claim_age": c.Orchestrator.StuckClaimAge,
		"git.command_timeout":          c.Git.CommandTimeout,
		"steps.test_timeout":           c.Steps.TestTimeout,
		"dispatch.stuck_after":         c.Dispatch.StuckAfter,
		"dispatch.agent_timeout":       c.Dispatch.AgentTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.URL != "" {
		c.Server.URL = other.Server.URL
	}
	if other.Server.APIKey != "" {
		c.Server.APIKey = other.Server.APIKey
	}
	if other.Server.Scope != "" {
		c.Server.Scope = other.Server.Scope
	}
	if other.Server.RequestTimeout != "" {
		c.Server.RequestTimeout = other.Server.RequestTimeout
	}
	if other.Server.RequestsPerSecond != 0 {
		c.Server.RequestsPerSecond = other.Server.RequestsPerSecond
	}

	// Orchestrator
	if other.Orchestrator.MachineID != "" {
		c.Orchestrator.MachineID = other.Orchestrator.MachineID
	}
	if other.Orchestrator.Cluster != "" {
		c.Orchestrator.Cluster = other.Orchestrator.Cluster
	}
	if other.Orchestrator.TickInterval != "" {
		c.Orchestrator.TickInterval = other.Orchestrator.TickInterval
	}
	if other.Orchestrator.StuckClaimAge != "" {
		c.Orchestrator.StuckClaimAge = other.Orchestrator.StuckClaimAge
	}

	// Agent
	if other.Agent.Binary != "" {
		c.Agent.Binary = other.Agent.Binary
	}
	if len(other.Agent.Args) > 0 {
		c.Agent.Args = other.Agent.Args
	}
	if other.Agent.MarkerEnv != "" {
		c.Agent.MarkerEnv = other.Agent.MarkerEnv
	}

	// Git
	if other.Git.BaseBranch != "" {
		c.Git.BaseBranch = other.Git.BaseBranch
	}
	if other.Git.Remote != "" {
		c.Git.Remote = other.Git.Remote
	}
	if other.Git.CommandTimeout != "" {
		c.Git.CommandTimeout = other.Git.CommandTimeout
	}
	if other.Git.MergeMethod != "" {
		c.Git.MergeMethod = other.Git.MergeMethod
	}

	// Steps
	if other.Steps.FailureThreshold != 0 {
		c.Steps.FailureThreshold = other.Steps.FailureThreshold
	}
	if other.Steps.TestTimeout != "" {
		c.Steps.TestTimeout = other.Steps.TestTimeout
	}
	if other.Steps.TestCommand != "" {
		c.Steps.TestCommand = other.Steps.TestCommand
	}

	// Dispatch
	if other.Dispatch.StuckAfter != "" {
		c.Dispatch.StuckAfter = other.Dispatch.StuckAfter
	}
	if other.Dispatch.AgentTimeout != "" {
		c.Dispatch.AgentTimeout = other.Dispatch.AgentTimeout
	}
	if other.Dispatch.MaxTurns != 0 {
		c.Dispatch.MaxTurns = other.Dispatch.MaxTurns
	}
	if other.Dispatch.WritableDir != "" {
		c.Dispatch.WritableDir = other.Dispatch.WritableDir
	}
	if other.Dispatch.InstructionFile != "" {
		c.Dispatch.InstructionFile = other.Dispatch.InstructionFile
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}

// parseDurationOrDefault parses a duration string and returns the default if empty or invalid.
func parseDurationOrDefault(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// GetRequestTimeout returns the per-request HTTP timeout as a duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDurationOrDefault(c.Server.RequestTimeout, 30*time.Second)
}

// GetTickInterval returns the scheduler tick period as a duration.
func (c *Config) GetTickInterval() time.Duration {
	return parseDurationOrDefault(c.Orchestrator.TickInterval, 10*time.Second)
}

// GetStuckClaimAge returns the soft claim age limit as a duration.
func (c *Config) GetStuckClaimAge() time.Duration {
	return parseDurationOrDefault(c.Orchestrator.StuckClaimAge, 30*time.Minute)
}

// GetGitTimeout returns the git/gh command timeout as a duration.
func (c *Config) GetGitTimeout() time.Duration {
	return parseDurationOrDefault(c.Git.CommandTimeout, 60*time.Second)
}

// GetTestTimeout returns the run_tests step timeout as a duration.
func (c *Config) GetTestTimeout() time.Duration {
	return parseDurationOrDefault(c.Steps.TestTimeout, 10*time.Minute)
}

// GetDispatchStuckAfter returns the stuck-message threshold as a duration.
func (c *Config) GetDispatchStuckAfter() time.Duration {
	return parseDurationOrDefault(c.Dispatch.StuckAfter, 5*time.Minute)
}

// GetDispatchAgentTimeout returns the dispatched-agent wall clock limit.
func (c *Config) GetDispatchAgentTimeout() time.Duration {
	return parseDurationOrDefault(c.Dispatch.AgentTimeout, 3*time.Minute)
}
