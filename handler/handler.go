// Package handler turns a finished agent run into a task-store state
// change. It reads the agent's result, consults the task's flow for the
// matching transition, executes the transition's steps, and applies the
// queue change, with a circuit breaker that stops a task from burning
// ticks on a step that fails forever.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/c360studio/octopoid/flow"
	"github.com/c360studio/octopoid/metrics"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/step"
	"github.com/c360studio/octopoid/task"
)

// defaultFailureThreshold trips the breaker when no config is wired.
const defaultFailureThreshold = 3

// RemoteAPI is the slice of the task-store client the handler uses.
// It extends the step slice with the calls the engine itself makes.
type RemoteAPI interface {
	step.RemoteAPI
	GetTask(ctx context.Context, id string) (*task.Task, error)
	AcceptTask(ctx context.Context, id, acceptedBy string) (*task.Task, error)
}

// FlowSource loads flow definitions by name.
type FlowSource interface {
	Load(name string) (*flow.Flow, error)
}

// Input identifies one finished agent run.
type Input struct {
	// TaskID is the server-side task id
	TaskID string

	// Role is the agent role that ran, for diagnostics
	Role string

	// TaskDir is the task's runtime directory holding result.json
	TaskDir string

	// ExpectedQueue is the queue the task was claimed into. Empty means
	// the standard implementer claim (claimed); a review queue name
	// means the run was a gatekeeper review.
	ExpectedQueue string
}

// Handler applies agent results to the task store through the flow
// engine. A nil return from Handle means the scheduler may release its
// process-tracking record; an error means handling must be retried on
// the next tick.
type Handler struct {
	remote    RemoteAPI
	flows     FlowSource
	env       step.Env
	threshold int
	logger    *slog.Logger
}

// New creates a result handler. The step environment supplies the
// collaborators transition steps run against; its config sets the
// circuit-breaker threshold.
func New(remoteAPI RemoteAPI, flows FlowSource, env step.Env, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := defaultFailureThreshold
	if env.Config != nil && env.Config.Steps.FailureThreshold > 0 {
		threshold = env.Config.Steps.FailureThreshold
	}
	if env.Logger == nil {
		env.Logger = logger
	}
	return &Handler{
		remote:    remoteAPI,
		flows:     flows,
		env:       env,
		threshold: threshold,
		logger:    logger,
	}
}

// Handle processes one finished agent run. It returns nil when the
// scheduler should release the run's tracking record (transition
// applied, task gone, or result discarded as stale) and an error when
// the record must be kept for a retry on the next tick.
func (h *Handler) Handle(ctx context.Context, in Input) error {
	resultPath := filepath.Join(in.TaskDir, "result.json")
	notesPath := filepath.Join(in.TaskDir, "notes.md")

	result, err := task.ReadResult(resultPath, notesPath, "")
	if err != nil {
		// A present but unreadable result is handled like a crash.
		h.logger.Warn("unreadable agent result",
			"task_id", in.TaskID,
			"error", err)
		result = &task.Result{
			Outcome: task.OutcomeError,
			Reason:  fmt.Sprintf("unreadable result: %v", err),
		}
	}

	t, err := h.remote.GetTask(ctx, in.TaskID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			h.logger.Info("task gone from server, releasing tracking", "task_id", in.TaskID)
			return nil
		}
		return fmt.Errorf("failed to fetch task %s: %w", in.TaskID, err)
	}

	expected := in.ExpectedQueue
	if expected == "" {
		expected = task.QueueClaimed
	}

	if isReviewQueue(expected) {
		return h.handleReview(ctx, in, t, result, expected)
	}
	return h.handleOutcome(ctx, in, t, result, expected)
}

// isReviewQueue reports whether a claim queue marks a gatekeeper run.
// Implementer claims arrive as claimed (or the pre-claim incoming).
func isReviewQueue(q string) bool {
	return q != task.QueueClaimed && q != task.QueueIncoming
}

// handleOutcome routes an implementer result. The stale guard discards
// results whose server queue no longer matches the claim, so steps
// never fire against the wrong transition. The claim's own
// incoming-to-claimed move is the one legitimate mismatch.
func (h *Handler) handleOutcome(ctx context.Context, in Input, t *task.Task, result *task.Result, expected string) error {
	if t.Queue != expected && !(expected == task.QueueIncoming && t.Queue == task.QueueClaimed) {
		h.logger.Warn("discarding stale result",
			"task_id", t.ID,
			"queue", t.Queue,
			"expected", expected,
			"outcome", result.Outcome)
		return nil
	}

	switch result.Outcome {
	case task.OutcomeDone, task.OutcomeSubmitted:
		return h.completeTransition(ctx, in, t, result)
	case task.OutcomeFailed, task.OutcomeError:
		return h.routeFailure(ctx, t, result.Reason)
	case task.OutcomeNeedsContinuation:
		return h.routeContinuation(ctx, in, t, result)
	default:
		return h.routeFailure(ctx, t, fmt.Sprintf("Unknown outcome: %s", result.Outcome))
	}
}

// completeTransition runs the claimed-state transition's steps and then
// performs the flow's state change.
func (h *Handler) completeTransition(ctx context.Context, in Input, t *task.Task, result *task.Result) error {
	governing, err := h.governingFlow(t)
	if err != nil {
		return err
	}

	tr := governing.TransitionFrom(task.QueueClaimed)
	if tr == nil {
		return h.routeFailure(ctx, t,
			fmt.Sprintf("flow %s declares no transition from %s", t.FlowName(), task.QueueClaimed))
	}

	if err := h.runSteps(ctx, tr.Runs, t, result, in.TaskDir); err != nil {
		return h.recordStepFailure(ctx, t, in.TaskDir, err)
	}
	if err := ResetFailures(in.TaskDir); err != nil {
		h.logger.Warn("failed to reset failure count", "task_id", t.ID, "error", err)
	}

	return h.applyTransition(ctx, t, result, tr.ToState, in.TaskDir)
}

// handleReview routes a gatekeeper decision on a task claimed from a
// review queue. A task re-queued since the claim makes the decision
// stale; an absent decision is left for a human.
func (h *Handler) handleReview(ctx context.Context, in Input, t *task.Task, result *task.Result, expected string) error {
	if t.Queue != expected {
		h.logger.Warn("discarding stale review result",
			"task_id", t.ID,
			"queue", t.Queue,
			"expected", expected,
			"decision", result.Decision)
		return nil
	}

	switch result.Decision {
	case task.DecisionReject:
		if err := step.Run(ctx, "reject_with_feedback", h.env, t, result, in.TaskDir); err != nil {
			return h.recordStepFailure(ctx, t, in.TaskDir, err)
		}
		if err := ResetFailures(in.TaskDir); err != nil {
			h.logger.Warn("failed to reset failure count", "task_id", t.ID, "error", err)
		}
		h.logger.Info("task rejected by gatekeeper",
			"task_id", t.ID,
			"comment", result.FeedbackComment())
		return nil

	case task.DecisionApprove:
		governing, err := h.governingFlow(t)
		if err != nil {
			return err
		}
		tr := governing.TransitionFrom(expected)
		if tr == nil {
			h.logger.Warn("no transition from review queue, leaving task in place",
				"task_id", t.ID,
				"queue", expected)
			return nil
		}
		if err := h.runSteps(ctx, tr.Runs, t, result, in.TaskDir); err != nil {
			return h.recordStepFailure(ctx, t, in.TaskDir, err)
		}
		if err := ResetFailures(in.TaskDir); err != nil {
			h.logger.Warn("failed to reset failure count", "task_id", t.ID, "error", err)
		}
		return h.applyTransition(ctx, t, result, tr.ToState, in.TaskDir)

	default:
		h.logger.Info("review finished without a decision, leaving for human",
			"task_id", t.ID,
			"status", result.Status)
		return nil
	}
}

// routeFailure moves a failed task to the first on_fail route declared
// on its outbound transition, defaulting to the failed queue. The
// failure reason lands in execution_notes.
func (h *Handler) routeFailure(ctx context.Context, t *task.Task, reason string) error {
	route := task.QueueFailed
	if governing, err := h.governingFlow(t); err == nil {
		if tr := governing.TransitionFrom(task.QueueClaimed); tr != nil {
			for _, c := range tr.Conditions {
				if c.OnFail != "" {
					route = c.OnFail
					break
				}
			}
		}
	}

	fields := map[string]any{"queue": route}
	if reason != "" {
		fields["execution_notes"] = reason
	}
	if _, err := h.remote.UpdateTask(ctx, t.ID, fields); err != nil {
		return fmt.Errorf("failed to route task %s to %s: %w", t.ID, route, err)
	}

	h.logger.Info("task routed on failure",
		"task_id", t.ID,
		"queue", route,
		"reason", reason)
	return nil
}

// routeContinuation parks a task that ran out of turns. When the flow
// declares a continuation transition its steps and state change apply;
// otherwise the task moves straight to the reserved queue.
func (h *Handler) routeContinuation(ctx context.Context, in Input, t *task.Task, result *task.Result) error {
	if governing, err := h.governingFlow(t); err == nil {
		for _, tr := range governing.TransitionsFrom(task.QueueClaimed) {
			if tr.ToState != task.QueueNeedsContinuation {
				continue
			}
			if err := h.runSteps(ctx, tr.Runs, t, result, in.TaskDir); err != nil {
				return h.recordStepFailure(ctx, t, in.TaskDir, err)
			}
			return h.applyTransition(ctx, t, result, tr.ToState, in.TaskDir)
		}
	}

	if _, err := h.remote.UpdateTask(ctx, t.ID, map[string]any{"queue": task.QueueNeedsContinuation}); err != nil {
		return fmt.Errorf("failed to park task %s for continuation: %w", t.ID, err)
	}
	h.logger.Info("task parked for continuation", "task_id", t.ID)
	return nil
}

// applyTransition performs the engine-side state change after a
// transition's steps have all passed: submit into review, accept to
// done, or a plain queue update for anything else.
func (h *Handler) applyTransition(ctx context.Context, t *task.Task, result *task.Result, to, taskDir string) error {
	switch to {
	case task.QueueProvisional:
		req := remote.SubmitRequest{
			CommitsCount: h.commitsAhead(ctx, t, taskDir),
			TurnsUsed:    t.TurnsUsed,
			PRURL:        t.PRURL,
			PRNumber:     t.PRNumber,
		}
		if result != nil {
			req.ExecutionNotes = result.Reason
		}
		if _, err := h.remote.SubmitTask(ctx, t.ID, req); err != nil {
			return fmt.Errorf("failed to submit task %s: %w", t.ID, err)
		}

	case task.QueueDone:
		if _, err := h.remote.AcceptTask(ctx, t.ID, "flow-engine"); err != nil {
			return fmt.Errorf("failed to accept task %s: %w", t.ID, err)
		}

	default:
		if _, err := h.remote.UpdateTask(ctx, t.ID, map[string]any{"queue": to}); err != nil {
			return fmt.Errorf("failed to move task %s to %s: %w", t.ID, to, err)
		}
	}

	h.logger.Info("transition applied",
		"task_id", t.ID,
		"from", t.Queue,
		"to", to)
	return nil
}

// runSteps executes a transition's step list in declaration order,
// stopping at the first failure.
func (h *Handler) runSteps(ctx context.Context, runs []string, t *task.Task, result *task.Result, taskDir string) error {
	for _, name := range runs {
		if err := step.Run(ctx, name, h.env, t, result, taskDir); err != nil {
			return err
		}
	}
	return nil
}

// recordStepFailure advances the circuit breaker. Under the threshold
// the step error propagates so the scheduler keeps its tracking record
// and retries next tick; at the threshold the task moves to failed with
// diagnostic notes and the counter resets.
func (h *Handler) recordStepFailure(ctx context.Context, t *task.Task, taskDir string, stepErr error) error {
	var se *step.Error
	if errors.As(stepErr, &se) {
		metrics.StepFailures.WithLabelValues(se.Step).Inc()
	}

	count, err := IncrementFailures(taskDir)
	if err != nil {
		h.logger.Warn("failed to record step failure", "task_id", t.ID, "error", err)
		return stepErr
	}

	if count < h.threshold {
		h.logger.Warn("step failed, will retry next tick",
			"task_id", t.ID,
			"failures", count,
			"threshold", h.threshold,
			"error", stepErr)
		return stepErr
	}

	notes := fmt.Sprintf("circuit breaker: %d consecutive step failures; last: %v", count, stepErr)
	if _, err := h.remote.UpdateTask(ctx, t.ID, map[string]any{
		"queue":           task.QueueFailed,
		"execution_notes": notes,
	}); err != nil {
		return fmt.Errorf("circuit breaker tripped but task %s could not be failed: %w", t.ID, err)
	}
	if err := ResetFailures(taskDir); err != nil {
		h.logger.Warn("failed to reset failure count", "task_id", t.ID, "error", err)
	}

	metrics.BreakerTrips.Inc()
	h.logger.Error("circuit breaker tripped, task failed",
		"task_id", t.ID,
		"failures", count,
		"error", stepErr)
	return nil
}

// governingFlow loads the task's flow and descends into the child flow
// for project children.
func (h *Handler) governingFlow(t *task.Task) (*flow.Flow, error) {
	fl, err := h.flows.Load(t.FlowName())
	if err != nil {
		return nil, fmt.Errorf("failed to load flow for task %s: %w", t.ID, err)
	}
	return fl.FlowFor(t.ProjectID), nil
}

// commitsAhead counts the worktree's commits over the base branch for
// the submit payload. Any problem falls back to the server's last
// known count rather than blocking the transition.
func (h *Handler) commitsAhead(ctx context.Context, t *task.Task, taskDir string) int {
	if h.env.NewRepo == nil {
		return t.CommitsCount
	}
	r := h.env.NewRepo(filepath.Join(taskDir, "worktree"))
	status, err := r.Status(ctx)
	if err != nil {
		h.logger.Debug("could not count commits, using last known",
			"task_id", t.ID,
			"error", err)
		return t.CommitsCount
	}
	return status.CommitsAhead
}
