package flow

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
)

// ErrNotEvaluable marks condition types the engine never evaluates
// inline: agent conditions resolve through the result handler and
// manual conditions await out-of-band human action.
var ErrNotEvaluable = errors.New("condition is not evaluated by the engine")

// Evaluate runs a script condition in dir and reports pass or fail.
// Exit code 0 passes, any non-zero exit fails, and Skip bypasses
// execution entirely. Agent and manual conditions return ErrNotEvaluable.
func (c *Condition) Evaluate(ctx context.Context, dir string) (bool, error) {
	if c.Skip {
		return true, nil
	}

	switch c.Type {
	case ConditionScript:
		// Handled below
	case ConditionAgent, ConditionManual:
		return false, fmt.Errorf("%w: condition %q has type %s", ErrNotEvaluable, c.Name, c.Type)
	default:
		return false, fmt.Errorf("condition %q has invalid type %q", c.Name, c.Type)
	}

	script := c.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(dir, script)
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("condition %q script failed to run: %w: %s", c.Name, err, output)
	}
	return true, nil
}

// EvaluateScriptConditions evaluates a transition's script conditions in
// declaration order, short-circuiting on the first failure: no later
// condition runs. Agent and manual conditions are passed over; they gate
// through the result handler, not inline. The failing condition is
// returned so the caller can honor its on_fail route.
func EvaluateScriptConditions(ctx context.Context, conditions []Condition, dir string) (bool, *Condition, error) {
	for i := range conditions {
		c := &conditions[i]
		if c.Type != ConditionScript {
			continue
		}

		passed, err := c.Evaluate(ctx, dir)
		if err != nil {
			return false, c, err
		}
		if !passed {
			return false, c, nil
		}
	}
	return true, nil, nil
}
