// Package flow implements the YAML-defined state machine that governs
// task queue transitions: parsing, validation, condition evaluation, and
// cached loading from the project flow directory.
package flow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry and terminal states with engine-level meaning.
const (
	StateIncoming = "incoming"
	StateDone     = "done"
	StateFailed   = "failed"
	StateRejected = "rejected"
)

// TerminalStates are exempt from the unreachable check when only
// reached via a condition's on_fail route.
var TerminalStates = map[string]bool{
	StateDone:     true,
	StateFailed:   true,
	StateRejected: true,
}

// ConditionType distinguishes how a condition is evaluated.
type ConditionType string

// Recognized condition types.
const (
	ConditionScript ConditionType = "script"
	ConditionAgent  ConditionType = "agent"
	ConditionManual ConditionType = "manual"
)

// Flow is a declarative state machine loaded from YAML. Transitions keep
// their declaration order; the engine always picks the first match.
type Flow struct {
	// Name uniquely identifies the flow
	Name string

	// Description is human text
	Description string

	// Transitions in declaration order
	Transitions []Transition

	// ChildFlow governs tasks that are children of a project
	ChildFlow *Flow
}

// Transition moves tasks between two queues, optionally gated by
// conditions and preceded by ordered side-effect steps.
type Transition struct {
	// FromState and ToState are queue names
	FromState string
	ToState   string

	// Agent names the pool that handles work sitting in FromState
	Agent string

	// Runs are step names executed on the approve path, in order,
	// before the state change
	Runs []string

	// Conditions gate the transition; the first failure short-circuits
	Conditions []Condition
}

// Condition is one gate on a transition.
type Condition struct {
	// Name identifies the condition in logs and diagnostics
	Name string `yaml:"name"`

	// Type is script, agent, or manual
	Type ConditionType `yaml:"type"`

	// Script is the executable path, required when Type is script
	Script string `yaml:"script,omitempty"`

	// Agent is the deciding role, required when Type is agent
	Agent string `yaml:"agent,omitempty"`

	// OnFail routes the task to this queue when the condition fails
	OnFail string `yaml:"on_fail,omitempty"`

	// Skip treats the condition as passed without evaluation
	Skip bool `yaml:"skip,omitempty"`
}

// transitionKeyPattern splits a "<from> -> <to>" transition key.
var transitionKeyPattern = regexp.MustCompile(`^(.+?)\s*->\s*(.+)$`)

// transitionBody is the YAML value attached to a transition key.
type transitionBody struct {
	Agent      string      `yaml:"agent"`
	Runs       []string    `yaml:"runs"`
	Conditions []Condition `yaml:"conditions"`
}

// UnmarshalYAML decodes a flow document. Transitions are a mapping keyed
// by "<from> -> <to>"; yaml.Node access preserves declaration order,
// which a plain map would lose.
func (f *Flow) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("flow must be a mapping, got %s", nodeKind(node))
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]

		switch key {
		case "name":
			f.Name = value.Value
		case "description":
			f.Description = value.Value
		case "transitions":
			transitions, err := parseTransitions(value)
			if err != nil {
				return err
			}
			f.Transitions = transitions
		case "child_flow":
			child := &Flow{}
			if err := value.Decode(child); err != nil {
				return fmt.Errorf("failed to parse child_flow: %w", err)
			}
			f.ChildFlow = child
		}
	}

	return nil
}

func parseTransitions(node *yaml.Node) ([]Transition, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("transitions must be a mapping, got %s", nodeKind(node))
	}

	transitions := make([]Transition, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]

		matches := transitionKeyPattern.FindStringSubmatch(keyNode.Value)
		if matches == nil {
			return nil, fmt.Errorf("transition key %q must have the form \"<from> -> <to>\" (line %d)", keyNode.Value, keyNode.Line)
		}

		var body transitionBody
		if valueNode.Tag != "!!null" {
			if err := valueNode.Decode(&body); err != nil {
				return nil, fmt.Errorf("failed to parse transition %q: %w", keyNode.Value, err)
			}
		}

		transitions = append(transitions, Transition{
			FromState:  strings.TrimSpace(matches[1]),
			ToState:    strings.TrimSpace(matches[2]),
			Agent:      body.Agent,
			Runs:       body.Runs,
			Conditions: body.Conditions,
		})
	}

	return transitions, nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}

// Parse decodes a flow document from YAML bytes.
func Parse(data []byte) (*Flow, error) {
	flow := &Flow{}
	if err := yaml.Unmarshal(data, flow); err != nil {
		return nil, fmt.Errorf("failed to parse flow: %w", err)
	}
	return flow, nil
}

// AllStates collects every state appearing as a transition endpoint or
// as a condition's on_fail target, sorted for stable output.
func (f *Flow) AllStates() []string {
	set := make(map[string]bool)
	for _, t := range f.Transitions {
		set[t.FromState] = true
		set[t.ToState] = true
		for _, c := range t.Conditions {
			if c.OnFail != "" {
				set[c.OnFail] = true
			}
		}
	}

	states := make([]string, 0, len(set))
	for s := range set {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}

// TransitionsFrom returns the transitions leaving a state, in
// declaration order.
func (f *Flow) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range f.Transitions {
		if t.FromState == state {
			out = append(out, t)
		}
	}
	return out
}

// TransitionFrom returns the first transition leaving a state, or nil.
func (f *Flow) TransitionFrom(state string) *Transition {
	for i := range f.Transitions {
		if f.Transitions[i].FromState == state {
			return &f.Transitions[i]
		}
	}
	return nil
}

// AgentForState returns the pool role declared on the first transition
// leaving a state, or empty when none is declared.
func (f *Flow) AgentForState(state string) string {
	for _, t := range f.Transitions {
		if t.FromState == state && t.Agent != "" {
			return t.Agent
		}
	}
	return ""
}

// FlowFor returns the flow governing a task: the child flow when the
// task belongs to a project and a child flow is defined, otherwise the
// flow itself.
func (f *Flow) FlowFor(projectID string) *Flow {
	if projectID != "" && f.ChildFlow != nil {
		return f.ChildFlow
	}
	return f
}
