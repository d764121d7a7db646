// Package dispatch runs the serial human-command loop: once per
// scheduler tick it picks at most one pending action_command message,
// executes it with a short-lived constrained agent, and reports the
// outcome back to the human inbox. A persisted ledger makes dispatch
// exactly-once across restarts.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/metrics"
	"github.com/c360studio/octopoid/prompt"
	"github.com/c360studio/octopoid/remote"
)

// snippetLen bounds the command excerpt stored in the ledger.
const snippetLen = 80

// RemoteAPI is the slice of the store client the dispatcher needs.
type RemoteAPI interface {
	ListMessages(ctx context.Context, opts remote.ListMessagesOptions) ([]remote.Message, error)
	CreateMessage(ctx context.Context, req remote.CreateMessageRequest) (*remote.Message, error)
}

// AgentRunner executes one rendered command prompt and returns the
// agent's output. The context carries the wall-clock limit.
type AgentRunner func(ctx context.Context, promptText string) (string, error)

// Dispatcher processes human action commands one at a time.
type Dispatcher struct {
	cfg    *config.Config
	layout config.Layout
	remote RemoteAPI
	run    AgentRunner
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithAgentRunner replaces the subprocess-backed command runner.
func WithAgentRunner(run AgentRunner) Option {
	return func(d *Dispatcher) { d.run = run }
}

// New creates a dispatcher. The default runner spawns the configured
// agent binary in the project root with a hard turn cap.
func New(cfg *config.Config, layout config.Layout, remoteAPI RemoteAPI, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		layout: layout,
		remote: remoteAPI,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.run == nil {
		d.run = commandRunner(cfg, layout.Root)
	}
	return d
}

// RunOnce performs one dispatch pass: sweep stuck entries, then execute
// the first pending command, if any. At most one command runs per call.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	statePath := d.layout.DispatchStateFile()
	state, err := LoadState(statePath)
	if err != nil {
		return err
	}

	dirty := d.sweepStuck(ctx, state)

	msgs, err := d.remote.ListMessages(ctx, remote.ListMessagesOptions{
		ToActor: remote.ActorAgent,
		Type:    remote.MessageTypeActionCommand,
	})
	if err != nil {
		if dirty {
			if saveErr := SaveState(statePath, state); saveErr != nil {
				d.logger.Warn("failed to save dispatch state", "error", saveErr)
			}
		}
		return fmt.Errorf("failed to list pending commands: %w", err)
	}

	msg := firstPending(msgs, state)
	if msg == nil {
		if dirty {
			return SaveState(statePath, state)
		}
		return nil
	}

	// Mark processing before spawning: a crash mid-run leaves the entry
	// for the stuck sweep instead of re-running a command whose side
	// effects are unknown.
	state.Processing[msg.ID] = ProcessingEntry{
		StartedAt: time.Now().UTC(),
		TaskID:    msg.TaskID,
		Snippet:   snippet(msg.Content),
	}
	if err := SaveState(statePath, state); err != nil {
		return err
	}

	d.logger.Info("dispatching command",
		"message_id", msg.ID,
		"task_id", msg.TaskID)

	output, runErr := d.execute(ctx, msg)

	delete(state.Processing, msg.ID)
	if runErr != nil {
		state.Failed[msg.ID] = runErr.Error()
		metrics.DispatchedMessages.WithLabelValues("failed").Inc()
		d.postResult(ctx, msg.TaskID, fmt.Sprintf("Command failed: %v", runErr))
		d.logger.Warn("command failed",
			"message_id", msg.ID,
			"error", runErr)
	} else {
		state.Done[msg.ID] = time.Now().UTC().Format(time.RFC3339)
		metrics.DispatchedMessages.WithLabelValues("done").Inc()
		if output == "" {
			output = "Command completed with no output."
		}
		d.postResult(ctx, msg.TaskID, output)
		d.logger.Info("command done", "message_id", msg.ID)
	}

	return SaveState(statePath, state)
}

// sweepStuck force-fails processing entries older than the threshold
// and notifies the human inbox. Stuck commands are never retried.
func (d *Dispatcher) sweepStuck(ctx context.Context, st *State) bool {
	threshold := d.cfg.GetDispatchStuckAfter()
	changed := false
	for id, entry := range st.Processing {
		age := time.Since(entry.StartedAt)
		if age < threshold {
			continue
		}
		delete(st.Processing, id)
		st.Failed[id] = fmt.Sprintf("stuck in processing for %s", age.Round(time.Second))
		metrics.DispatchedMessages.WithLabelValues("stuck").Inc()
		d.postResult(ctx, entry.TaskID, fmt.Sprintf(
			"Command was abandoned after %s without completing. It will not be retried; resend it if still needed.",
			age.Round(time.Second)))
		d.logger.Warn("force-failed stuck command",
			"message_id", id,
			"age", age.Round(time.Second),
			"command", entry.Snippet)
		changed = true
	}
	return changed
}

// execute runs one command under the configured wall-clock limit.
func (d *Dispatcher) execute(ctx context.Context, msg *remote.Message) (string, error) {
	promptText := prompt.CommandPrompt(d.instructions(), msg.Content, d.cfg.Dispatch.WritableDir)

	timeout := d.cfg.GetDispatchAgentTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := d.run(runCtx, promptText)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("command agent timed out after %s", timeout)
	}
	return output, err
}

// instructions reads the project-wide instruction file, if present.
func (d *Dispatcher) instructions() string {
	name := d.cfg.Dispatch.InstructionFile
	if name == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(d.layout.Root, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to read instruction file",
				"file", name,
				"error", err)
		}
		return ""
	}
	return string(data)
}

// postResult reports a command outcome to the human inbox. Best effort:
// the ledger already records the terminal status.
func (d *Dispatcher) postResult(ctx context.Context, taskID, content string) {
	_, err := d.remote.CreateMessage(ctx, remote.CreateMessageRequest{
		TaskID:    taskID,
		FromActor: remote.ActorAgent,
		ToActor:   remote.ActorHuman,
		Type:      remote.MessageTypeWorkerResult,
		Content:   content,
	})
	if err != nil {
		d.logger.Warn("failed to post worker result",
			"task_id", taskID,
			"error", err)
	}
}

// firstPending returns the oldest message not yet in the ledger. The
// store lists messages in creation order.
func firstPending(msgs []remote.Message, st *State) *remote.Message {
	for i := range msgs {
		if st.Seen(msgs[i].ID) {
			continue
		}
		return &msgs[i]
	}
	return nil
}

// snippet collapses and truncates command content for the ledger.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetLen {
		return s
	}
	return string(r[:snippetLen]) + "..."
}

// commandRunner spawns the configured agent binary with the prompt on
// stdin and a hard turn cap. CommandContext kills the child when the
// wall-clock limit expires.
func commandRunner(cfg *config.Config, dir string) AgentRunner {
	return func(ctx context.Context, promptText string) (string, error) {
		args := make([]string, 0, len(cfg.Agent.Args)+2)
		args = append(args, cfg.Agent.Args...)
		args = append(args, "--max-turns", strconv.Itoa(cfg.Dispatch.MaxTurns))

		cmd := exec.CommandContext(ctx, cfg.Agent.Binary, args...)
		cmd.Dir = dir
		cmd.Stdin = strings.NewReader(promptText)
		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output
		cmd.Env = commandEnv(cfg.Agent.MarkerEnv)

		err := cmd.Run()
		text := strings.TrimSpace(output.String())
		if err != nil {
			return text, fmt.Errorf("command agent: %w", err)
		}
		return text, nil
	}
}

// commandEnv is the parent environment minus the in-agent marker.
func commandEnv(markerEnv string) []string {
	environ := os.Environ()
	if markerEnv == "" {
		return environ
	}
	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		if key, _, ok := strings.Cut(kv, "="); ok && key == markerEnv {
			continue
		}
		env = append(env, kv)
	}
	return env
}
