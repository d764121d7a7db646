package flow

import (
	"fmt"
	"os"
	"path/filepath"
)

// ValidateOptions tunes the optional environment-dependent checks.
type ValidateOptions struct {
	// ScriptRoot resolves relative condition script paths; empty skips
	// script existence checks
	ScriptRoot string

	// KnownRoles restricts transition and condition agent names; empty
	// skips agent resolution checks
	KnownRoles []string
}

// Validate reports every problem found in the flow definition: invalid
// condition types, missing per-type fields, unknown on_fail targets,
// unresolvable scripts or agents, and states unreachable from incoming.
// Terminal states only reached via on_fail are exempt from the
// reachability check.
func (f *Flow) Validate(opts ValidateOptions) []error {
	var errs []error

	if f.Name == "" {
		errs = append(errs, fmt.Errorf("flow has no name"))
	}
	if len(f.Transitions) == 0 {
		errs = append(errs, fmt.Errorf("flow %q declares no transitions", f.Name))
		return errs
	}

	knownRoles := make(map[string]bool, len(opts.KnownRoles))
	for _, role := range opts.KnownRoles {
		knownRoles[role] = true
	}

	// Queue names that are legitimate on_fail targets: any transition
	// endpoint plus the reserved terminals.
	endpointStates := make(map[string]bool)
	for _, t := range f.Transitions {
		endpointStates[t.FromState] = true
		endpointStates[t.ToState] = true
	}
	for state := range TerminalStates {
		endpointStates[state] = true
	}

	for _, t := range f.Transitions {
		label := fmt.Sprintf("%s -> %s", t.FromState, t.ToState)

		if len(knownRoles) > 0 && t.Agent != "" && !knownRoles[t.Agent] {
			errs = append(errs, fmt.Errorf("transition %q: unknown agent %q", label, t.Agent))
		}

		for _, c := range t.Conditions {
			switch c.Type {
			case ConditionScript:
				if c.Script == "" {
					errs = append(errs, fmt.Errorf("transition %q: condition %q has type script but no script", label, c.Name))
				} else if opts.ScriptRoot != "" {
					path := c.Script
					if !filepath.IsAbs(path) {
						path = filepath.Join(opts.ScriptRoot, path)
					}
					if _, err := os.Stat(path); err != nil {
						errs = append(errs, fmt.Errorf("transition %q: condition %q script %s cannot be resolved: %w", label, c.Name, c.Script, err))
					}
				}
			case ConditionAgent:
				if c.Agent == "" {
					errs = append(errs, fmt.Errorf("transition %q: condition %q has type agent but no agent", label, c.Name))
				} else if len(knownRoles) > 0 && !knownRoles[c.Agent] {
					errs = append(errs, fmt.Errorf("transition %q: condition %q references unknown agent %q", label, c.Name, c.Agent))
				}
			case ConditionManual:
				// Nothing to resolve
			default:
				errs = append(errs, fmt.Errorf("transition %q: condition %q has invalid type %q", label, c.Name, c.Type))
			}

			if c.OnFail != "" && !endpointStates[c.OnFail] {
				errs = append(errs, fmt.Errorf("transition %q: condition %q routes on_fail to unknown state %q", label, c.Name, c.OnFail))
			}
		}
	}

	errs = append(errs, f.checkReachability()...)

	if f.ChildFlow != nil {
		child := *f.ChildFlow
		if child.Name == "" {
			child.Name = f.Name + " (child)"
		}
		for _, err := range child.Validate(opts) {
			errs = append(errs, fmt.Errorf("child_flow: %w", err))
		}
	}

	return errs
}

// checkReachability walks the transition graph from incoming and flags
// states no path reaches. A terminal state reached only through an
// on_fail route is not flagged.
func (f *Flow) checkReachability() []error {
	reachable := map[string]bool{StateIncoming: true}
	for changed := true; changed; {
		changed = false
		for _, t := range f.Transitions {
			if reachable[t.FromState] && !reachable[t.ToState] {
				reachable[t.ToState] = true
				changed = true
			}
		}
	}

	onFailTargets := make(map[string]bool)
	for _, t := range f.Transitions {
		if !reachable[t.FromState] {
			continue
		}
		for _, c := range t.Conditions {
			if c.OnFail != "" {
				onFailTargets[c.OnFail] = true
			}
		}
	}

	var errs []error
	for _, state := range f.AllStates() {
		if reachable[state] {
			continue
		}
		if TerminalStates[state] && onFailTargets[state] {
			continue
		}
		errs = append(errs, fmt.Errorf("state %q is unreachable from %s", state, StateIncoming))
	}
	return errs
}
