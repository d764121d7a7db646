package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/flow"
	"github.com/c360studio/octopoid/handler"
	"github.com/c360studio/octopoid/metrics"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/repo"
	"github.com/c360studio/octopoid/task"
	"github.com/c360studio/octopoid/thread"
)

// RemoteAPI is the slice of the task-store client the scheduler needs.
type RemoteAPI interface {
	ClaimTask(ctx context.Context, req remote.ClaimRequest) (*task.Task, error)
	RequeueTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, opts remote.ListTasksOptions) ([]task.Task, error)
	RegisterOrchestrator(ctx context.Context, req remote.RegisterOrchestratorRequest) error
	RegisterFlow(ctx context.Context, name string, def remote.FlowDefinition) error
}

// ResultHandler consumes one finished agent run. A nil return means the
// run is fully disposed of and its slot may be released.
type ResultHandler interface {
	Handle(ctx context.Context, in handler.Input) error
}

// Dispatcher processes pending human command messages.
type Dispatcher interface {
	RunOnce(ctx context.Context) error
}

// Worktrees materializes and removes per-task git worktrees.
type Worktrees interface {
	AddWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string) error
}

// Scheduler is the tick-driven supervisor: it claims tasks from the
// store, spawns agent subprocesses under per-pool caps, polls their
// liveness, and routes finished runs through the result handler.
type Scheduler struct {
	cfg        *config.Config
	layout     config.Layout
	remote     RemoteAPI
	flows      *flow.Loader
	threads    *thread.Store
	handler    ResultHandler
	dispatcher Dispatcher
	worktrees  Worktrees
	pools      []*Pool
	id         string
	logger     *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDispatcher attaches a message dispatcher to run once per tick.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Scheduler) { s.dispatcher = d }
}

// WithWorktrees replaces the git-backed worktree manager.
func WithWorktrees(w Worktrees) Option {
	return func(s *Scheduler) { s.worktrees = w }
}

// WithOrchestratorID overrides the generated orchestrator id.
func WithOrchestratorID(id string) Option {
	return func(s *Scheduler) { s.id = id }
}

// New creates a scheduler for the given agent blueprints. The default
// worktree manager runs git against the project root.
func New(cfg *config.Config, layout config.Layout, agents *config.AgentsFile, remoteAPI RemoteAPI, flows *flow.Loader, threads *thread.Store, h ResultHandler, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		layout:  layout,
		remote:  remoteAPI,
		flows:   flows,
		threads: threads,
		handler: h,
		pools:   buildPools(agents),
		id:      cfg.Orchestrator.MachineID + "-" + uuid.NewString()[:8],
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.worktrees == nil {
		s.worktrees = repo.New(layout.Root,
			repo.WithTimeout(cfg.GetGitTimeout()),
			repo.WithBaseBranch(cfg.Git.BaseBranch),
			repo.WithRemote(cfg.Git.Remote),
			repo.WithLogger(s.logger))
	}
	return s
}

// OrchestratorID returns the identity this scheduler claims under.
func (s *Scheduler) OrchestratorID() string {
	return s.id
}

// Run registers the orchestrator, re-adopts any instances that survived
// a restart, then ticks until the context is cancelled. Registration
// failure is fatal; everything after that is retried on later ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.layout.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to prepare runtime directories: %w", err)
	}
	if err := s.register(ctx); err != nil {
		return fmt.Errorf("failed to register with task store: %w", err)
	}
	s.recoverInstances()

	s.logger.Info("scheduler started",
		"orchestrator_id", s.id,
		"pools", len(s.pools),
		"running", s.runningCount(),
		"tick_interval", s.cfg.GetTickInterval())

	ticker := time.NewTicker(s.cfg.GetTickInterval())
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping",
				"running", s.runningCount())
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// register announces this orchestrator and publishes every loadable
// flow definition, fanned out concurrently. A flow that fails to parse
// is skipped with a warning so one bad file cannot block startup.
func (s *Scheduler) register(ctx context.Context) error {
	names := make([]string, 0, len(s.pools))
	for _, pool := range s.pools {
		names = append(names, pool.Blueprint.Name)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.remote.RegisterOrchestrator(ctx, remote.RegisterOrchestratorRequest{
			OrchestratorID: s.id,
			MachineID:      s.cfg.Orchestrator.MachineID,
			Cluster:        s.cfg.Orchestrator.Cluster,
			Agents:         names,
		})
	})

	flowNames, err := s.flows.Names()
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}
	for _, name := range flowNames {
		name := name
		g.Go(func() error {
			fl, err := s.flows.Load(name)
			if err != nil {
				s.logger.Warn("skipping unloadable flow",
					"name", name,
					"error", err)
				return nil
			}
			return s.remote.RegisterFlow(ctx, name, flowDefinition(fl))
		})
	}
	return g.Wait()
}

// flowDefinition converts a parsed flow into the store's registration
// shape.
func flowDefinition(fl *flow.Flow) remote.FlowDefinition {
	def := remote.FlowDefinition{
		Name:        fl.Name,
		Description: fl.Description,
		States:      fl.AllStates(),
	}
	for _, t := range fl.Transitions {
		def.Transitions = append(def.Transitions, remote.FlowTransition{
			From:  t.FromState,
			To:    t.ToState,
			Agent: t.Agent,
			Runs:  t.Runs,
		})
	}
	return def
}

// recoverInstances re-adopts agents recorded as running before the last
// shutdown. A recovered instance whose process has since died is marked
// exited so the next reap pass disposes of its result normally.
func (s *Scheduler) recoverInstances() {
	entries, err := os.ReadDir(s.layout.AgentsRuntimeDir())
	if err != nil {
		s.logger.Warn("failed to scan agent state directory", "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		st, err := LoadInstanceState(s.layout.AgentStateFile(name))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("unreadable instance state",
					"instance", name,
					"error", err)
			}
			continue
		}
		if !st.Running || st.TaskID == "" {
			continue
		}

		pool := s.poolFor(st.Blueprint)
		if pool == nil {
			s.logger.Warn("instance state references unknown agent, ignoring",
				"instance", name,
				"agent", st.Blueprint)
			continue
		}
		if pool.HasTask(st.TaskID) {
			continue
		}

		inst := &Instance{
			Name:          name,
			Blueprint:     st.Blueprint,
			Role:          st.Role,
			TaskID:        st.TaskID,
			PID:           st.PID,
			StartedAt:     st.StartedAt,
			TaskDir:       s.layout.TaskDir(st.TaskID),
			WorktreeDir:   s.layout.WorktreeDir(st.TaskID),
			ExpectedQueue: st.ExpectedQueue,
		}
		alive := processAlive(st.PID)
		if !alive {
			inst.exited.Store(true)
		}

		pool.Add(inst)
		metrics.RunningInstances.WithLabelValues(pool.Blueprint.Name).Inc()
		s.logger.Info("recovered agent instance",
			"instance", name,
			"task_id", st.TaskID,
			"pid", st.PID,
			"alive", alive)
	}
}

func (s *Scheduler) poolFor(blueprint string) *Pool {
	for _, pool := range s.pools {
		if pool.Blueprint.Name == blueprint {
			return pool
		}
	}
	return nil
}

func (s *Scheduler) runningCount() int {
	total := 0
	for _, pool := range s.pools {
		total += pool.Running()
	}
	return total
}

// tick runs one scheduling pass. Every phase is wrapped in a failure
// boundary so a panic in one task's handling cannot take the loop down.
func (s *Scheduler) tick(ctx context.Context) {
	metrics.Ticks.Inc()
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	s.guard("claim", func() { s.claimAndSpawn(ctx) })
	s.guard("reap", func() { s.reap(ctx) })
	s.guard("sweep", func() { s.sweepStuckClaims(ctx) })
	if s.dispatcher != nil {
		s.guard("dispatch", func() {
			if err := s.dispatcher.RunOnce(ctx); err != nil {
				s.logger.Warn("message dispatch failed", "error", err)
			}
		})
	}
}

// guard runs fn, converting a panic into a logged error.
func (s *Scheduler) guard(phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler phase",
				"phase", phase,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// claimAndSpawn fills idle capacity pool by pool, in blueprint priority
// order. Claiming stops for a pool on the first empty claim or error;
// the store orders candidates by strict priority then FIFO.
func (s *Scheduler) claimAndSpawn(ctx context.Context) {
	for _, pool := range s.pools {
		for pool.Idle() > 0 {
			t, err := s.remote.ClaimTask(ctx, remote.ClaimRequest{
				OrchestratorID: s.id,
				AgentName:      pool.Blueprint.Name,
				RoleFilter:     pool.Blueprint.EffectiveRoleFilter(),
				TypeFilter:     pool.Blueprint.TypeFilter,
				AgentHooks:     claimHooks(pool.Blueprint.AgentHooks),
			})
			if err != nil {
				s.logger.Warn("claim failed",
					"agent", pool.Blueprint.Name,
					"error", err)
				break
			}
			if t == nil {
				break
			}

			metrics.Claims.WithLabelValues(pool.Blueprint.Name).Inc()
			s.logger.Info("claimed task",
				"task_id", t.ID,
				"agent", pool.Blueprint.Name,
				"queue", t.Queue,
				"priority", t.Priority)

			if err := s.spawn(ctx, pool, t); err != nil {
				s.logger.Error("failed to spawn agent",
					"task_id", t.ID,
					"agent", pool.Blueprint.Name,
					"error", err)
				s.requeue(ctx, t.ID)
				break
			}
			metrics.Spawns.WithLabelValues(pool.Blueprint.Name).Inc()
			metrics.RunningInstances.WithLabelValues(pool.Blueprint.Name).Inc()
		}
	}
}

func claimHooks(hooks []config.AgentHook) []task.Hook {
	if len(hooks) == 0 {
		return nil
	}
	out := make([]task.Hook, len(hooks))
	for i, h := range hooks {
		out[i] = task.Hook{Name: h.Name, Point: h.Point, Type: h.Type}
	}
	return out
}

// requeue returns a claim the scheduler could not serve. Best effort:
// if it fails the claim ages out server-side.
func (s *Scheduler) requeue(ctx context.Context, id string) {
	if _, err := s.remote.RequeueTask(ctx, id); err != nil {
		s.logger.Warn("failed to requeue task",
			"task_id", id,
			"error", err)
	}
}

// reap disposes of every instance whose process has exited.
func (s *Scheduler) reap(ctx context.Context) {
	for _, pool := range s.pools {
		for _, inst := range pool.Instances() {
			if inst.Alive() {
				continue
			}
			s.reapInstance(ctx, pool, inst)
		}
	}
}

// reapInstance routes one finished run through the result handler. On
// handler failure the instance is retained and retried next tick; the
// slot is released only once the handler disposes of the result.
func (s *Scheduler) reapInstance(ctx context.Context, pool *Pool, inst *Instance) {
	s.logger.Info("agent exited",
		"instance", inst.Name,
		"task_id", inst.TaskID,
		"age", inst.Age().Round(time.Second))

	err := s.handle(ctx, handler.Input{
		TaskID:        inst.TaskID,
		Role:          inst.Role,
		TaskDir:       inst.TaskDir,
		ExpectedQueue: inst.ExpectedQueue,
	})
	if err != nil {
		metrics.Reaps.WithLabelValues("retried").Inc()
		s.logger.Warn("result handling failed, will retry",
			"task_id", inst.TaskID,
			"error", err)
		return
	}

	s.release(ctx, pool, inst)
	metrics.Reaps.WithLabelValues("released").Inc()
}

// handle invokes the result handler inside its own failure boundary.
func (s *Scheduler) handle(ctx context.Context, in handler.Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during result handling",
				"task_id", in.TaskID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("result handling panicked: %v", r)
		}
	}()
	return s.handler.Handle(ctx, in)
}

// release frees an instance's slot and cleans up its worktree. Worktree
// removal is best effort; a leftover is replaced on the next spawn.
func (s *Scheduler) release(ctx context.Context, pool *Pool, inst *Instance) {
	pool.Remove(inst.Name)
	metrics.RunningInstances.WithLabelValues(pool.Blueprint.Name).Dec()

	if err := SaveInstanceState(s.layout.AgentStateFile(inst.Name), inst.State(false)); err != nil {
		s.logger.Warn("failed to persist instance state",
			"instance", inst.Name,
			"error", err)
	}

	if err := s.worktrees.RemoveWorktree(ctx, inst.WorktreeDir); err != nil {
		s.logger.Debug("failed to remove worktree",
			"path", inst.WorktreeDir,
			"error", err)
	}
}

// sweepStuckClaims reports server-side claims older than the soft age
// limit. Old claims are observed, never preempted: the owning agent may
// still be making progress and requeuing would fork the work.
func (s *Scheduler) sweepStuckClaims(ctx context.Context) {
	maxAge := s.cfg.GetStuckClaimAge()
	if maxAge <= 0 {
		return
	}

	tasks, err := s.remote.ListTasks(ctx, remote.ListTasksOptions{Queue: task.QueueClaimed})
	if err != nil {
		s.logger.Warn("failed to list claimed tasks", "error", err)
		return
	}

	stuck := 0
	for i := range tasks {
		t := &tasks[i]
		age, ok := claimAge(t.ClaimedAt)
		if !ok || age < maxAge {
			continue
		}
		stuck++
		s.logger.Warn("claim exceeds soft age limit",
			"task_id", t.ID,
			"claimed_by", t.ClaimedBy,
			"age", age.Round(time.Second),
			"tracked", s.tracked(t.ID))
	}
	metrics.StuckClaims.Set(float64(stuck))
}

// claimAge parses a server claim timestamp and returns its age.
func claimAge(claimedAt string) (time.Duration, bool) {
	if claimedAt == "" {
		return 0, false
	}
	ts, err := time.Parse(time.RFC3339, claimedAt)
	if err != nil {
		return 0, false
	}
	return time.Since(ts), true
}

// tracked reports whether any pool is running the given task.
func (s *Scheduler) tracked(taskID string) bool {
	for _, pool := range s.pools {
		if pool.HasTask(taskID) {
			return true
		}
	}
	return false
}
