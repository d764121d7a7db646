// Package metrics defines the orchestrator's Prometheus collectors and
// an optional exposition endpoint. Collectors are package-level so any
// component can record without carrying a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ticks counts scheduler loop passes.
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octopoid_scheduler_ticks_total",
		Help: "Total number of scheduler ticks",
	})

	// TickDuration tracks how long one scheduler pass takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "octopoid_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// Claims counts tasks claimed from the store, per agent pool.
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octopoid_claims_total",
		Help: "Tasks claimed from the task store",
	}, []string{"agent"})

	// Spawns counts agent subprocesses started, per agent pool.
	Spawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octopoid_agent_spawns_total",
		Help: "Agent subprocesses spawned",
	}, []string{"agent"})

	// Reaps counts finished agent runs by handling outcome.
	Reaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octopoid_agent_reaps_total",
		Help: "Finished agent runs by result-handling outcome",
	}, []string{"outcome"}) // released, retried

	// RunningInstances tracks live agent subprocesses, per agent pool.
	RunningInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "octopoid_running_instances",
		Help: "Currently running agent subprocesses",
	}, []string{"agent"})

	// StuckClaims tracks claims older than the configured soft age limit.
	StuckClaims = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "octopoid_stuck_claims",
		Help: "Claims older than the configured soft age limit",
	})

	// StepFailures counts step errors during result handling, per step.
	StepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octopoid_step_failures_total",
		Help: "Step errors during result handling",
	}, []string{"step"})

	// BreakerTrips counts tasks moved to failed by the circuit breaker.
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octopoid_circuit_breaker_trips_total",
		Help: "Tasks moved to failed after repeated step failures",
	})

	// DispatchedMessages counts human command dispatches by terminal status.
	DispatchedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octopoid_dispatched_messages_total",
		Help: "Human command messages dispatched to agents",
	}, []string{"status"}) // done, failed, stuck
)
