package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/remote"
	"github.com/c360studio/octopoid/task"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// queueOrder fixes the display order of the well-known queues; queues
// a flow adds beyond these are appended alphabetically.
var queueOrder = []string{
	task.QueueIncoming,
	task.QueueClaimed,
	task.QueueProvisional,
	task.QueueNeedsContinuation,
	task.QueueDone,
	task.QueueRejected,
	task.QueueFailed,
}

func newStatusCmd(dir *string) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scope-wide queue counts and active claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, *dir, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the status as JSON")

	return cmd
}

// statusReport is what status prints, and the --json wire shape.
type statusReport struct {
	Scope          string         `json:"scope"`
	QueueCounts    map[string]int `json:"queue_counts"`
	ClaimableTasks int            `json:"claimable_tasks"`
	PendingActions int            `json:"pending_actions"`
	Claims         []claimInfo    `json:"claims,omitempty"`
}

// claimInfo is one claimed task in flight.
type claimInfo struct {
	TaskID    string `json:"task_id"`
	Role      string `json:"role"`
	ClaimedBy string `json:"claimed_by,omitempty"`
	Age       string `json:"age,omitempty"`
}

func runStatus(cmd *cobra.Command, dir string, jsonOut bool) error {
	cfg, _, err := config.NewLoader(slog.Default()).Load(dir)
	if err != nil {
		return err
	}

	client := remote.NewClient(cfg.Server.URL, cfg.Server.APIKey, cfg.Server.Scope,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.GetRequestTimeout()}),
		remote.WithLogger(slog.Default()),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	report, err := fetchStatus(ctx, client, cfg)
	if err != nil {
		return err
	}

	if jsonOut {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	}

	renderStatus(cmd, report)
	return nil
}

// fetchStatus gathers the poll snapshot and the claimed-task list in
// parallel.
func fetchStatus(ctx context.Context, client *remote.Client, cfg *config.Config) (*statusReport, error) {
	var (
		poll    *remote.PollResult
		claimed []task.Task
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		poll, err = client.Poll(gctx, cfg.Orchestrator.MachineID+"-status")
		return err
	})
	g.Go(func() error {
		var err error
		claimed, err = client.ListTasks(gctx, remote.ListTasksOptions{Queue: task.QueueClaimed})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &statusReport{
		Scope:          cfg.Server.Scope,
		QueueCounts:    poll.QueueCounts,
		ClaimableTasks: poll.ClaimableTasks,
		PendingActions: poll.PendingActions,
	}
	if report.QueueCounts == nil {
		report.QueueCounts = map[string]int{}
	}

	now := time.Now()
	for _, t := range claimed {
		info := claimInfo{TaskID: t.ID, Role: t.Role, ClaimedBy: t.ClaimedBy}
		if at, err := time.Parse(time.RFC3339, t.ClaimedAt); err == nil {
			info.Age = now.Sub(at).Round(time.Second).String()
		}
		report.Claims = append(report.Claims, info)
	}

	return report, nil
}

func renderStatus(cmd *cobra.Command, report *statusReport) {
	cmd.Printf("Scope: %s\n\n", bold(report.Scope))

	for _, queue := range orderedQueues(report.QueueCounts) {
		cmd.Printf("  %-20s %s\n", queue, countColor(queue, report.QueueCounts[queue]))
	}

	cmd.Printf("\nClaimable tasks:  %s\n", bold(report.ClaimableTasks))
	cmd.Printf("Pending commands: %s\n", bold(report.PendingActions))

	if len(report.Claims) == 0 {
		return
	}
	cmd.Printf("\nActive claims:\n")
	for _, c := range report.Claims {
		line := c.TaskID
		if c.Role != "" {
			line += "  " + c.Role
		}
		if c.ClaimedBy != "" {
			line += "  " + gray(c.ClaimedBy)
		}
		if c.Age != "" {
			line += "  " + gray(c.Age)
		}
		cmd.Printf("  %s\n", line)
	}
}

// orderedQueues returns the well-known queues first, then any extra
// queues the flows put tasks into, alphabetically.
func orderedQueues(counts map[string]int) []string {
	known := make(map[string]bool, len(queueOrder))
	queues := make([]string, 0, len(counts)+len(queueOrder))
	for _, q := range queueOrder {
		known[q] = true
		queues = append(queues, q)
	}

	extras := make([]string, 0, len(counts))
	for q := range counts {
		if !known[q] {
			extras = append(extras, q)
		}
	}
	sort.Strings(extras)

	return append(queues, extras...)
}

// countColor renders a queue count: red when failure queues are
// non-empty, green for finished work, dim for empty.
func countColor(queue string, n int) string {
	switch {
	case n == 0:
		return gray(n)
	case queue == task.QueueFailed || queue == task.QueueRejected:
		return red(n)
	case queue == task.QueueDone:
		return green(n)
	default:
		return bold(n)
	}
}
