package task

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Implementer outcomes recognized in result.json.
const (
	OutcomeDone              = "done"
	OutcomeSubmitted         = "submitted"
	OutcomeFailed            = "failed"
	OutcomeError             = "error"
	OutcomeNeedsContinuation = "needs_continuation"
)

// Gatekeeper decisions recognized in result.json.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Result is the parsed form of an agent's result.json. Implementer runs
// populate Outcome/Reason; gatekeeper runs populate Status/Decision and
// optionally Comment/Message. The two shapes share one file format.
type Result struct {
	// Outcome is the implementer verdict
	Outcome string `json:"outcome,omitempty"`

	// Reason explains a failed or error outcome
	Reason string `json:"reason,omitempty"`

	// Status is the gatekeeper run status (success or failure)
	Status string `json:"status,omitempty"`

	// Decision is the gatekeeper verdict (approve or reject)
	Decision string `json:"decision,omitempty"`

	// Comment carries gatekeeper feedback for the implementer
	Comment string `json:"comment,omitempty"`

	// Message carries additional gatekeeper diagnostics
	Message string `json:"message,omitempty"`
}

// IsGatekeeper reports whether the result carries a review decision.
func (r *Result) IsGatekeeper() bool {
	return r.Decision != ""
}

// KnownOutcome reports whether Outcome is one of the recognized values.
func (r *Result) KnownOutcome() bool {
	switch r.Outcome {
	case OutcomeDone, OutcomeSubmitted, OutcomeFailed, OutcomeError, OutcomeNeedsContinuation:
		return true
	}
	return false
}

// FeedbackComment returns the gatekeeper text to surface to a human or
// the next agent, preferring Comment over Message.
func (r *Result) FeedbackComment() string {
	if r.Comment != "" {
		return r.Comment
	}
	return r.Message
}

// ParseResult decodes a result.json payload.
func ParseResult(data []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &result, nil
}

// ReadResult reads and interprets the agent output for a task directory:
// a present result.json is parsed; a missing one with non-empty notes.md
// becomes a needs_continuation result; a missing one without notes
// becomes a synthesized error result carrying the given fallback reason.
func ReadResult(resultPath, notesPath, fallbackReason string) (*Result, error) {
	data, err := os.ReadFile(resultPath)
	if err == nil {
		return ParseResult(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	if notes, err := os.ReadFile(notesPath); err == nil && strings.TrimSpace(string(notes)) != "" {
		return &Result{Outcome: OutcomeNeedsContinuation, Reason: "continuation notes present"}, nil
	}

	if fallbackReason == "" {
		fallbackReason = "agent exited without writing a result"
	}
	return &Result{Outcome: OutcomeError, Reason: fallbackReason}, nil
}
