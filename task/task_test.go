package task

import (
	"encoding/json"
	"testing"
)

func TestTaskUnknownFieldPassthrough(t *testing.T) {
	data := []byte(`{
		"id": "42",
		"queue": "incoming",
		"role": "implementer",
		"priority": "P1",
		"server_shard": "us-west-2",
		"labels": ["infra", "urgent"]
	}`)

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if task.ID != "42" {
		t.Errorf("ID = %q, want %q", task.ID, "42")
	}
	if task.Queue != "incoming" {
		t.Errorf("Queue = %q, want %q", task.Queue, "incoming")
	}
	if len(task.Extra) != 2 {
		t.Fatalf("expected 2 extra fields, got %d: %v", len(task.Extra), task.Extra)
	}
	if _, ok := task.Extra["server_shard"]; !ok {
		t.Error("expected server_shard in Extra")
	}

	// Round trip: unknown fields survive, typed fields win on collision
	out, err := json.Marshal(&task)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var roundTrip map[string]any
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Fatalf("round-trip Unmarshal() error = %v", err)
	}
	if roundTrip["server_shard"] != "us-west-2" {
		t.Errorf("server_shard = %v, want us-west-2", roundTrip["server_shard"])
	}
	if roundTrip["queue"] != "incoming" {
		t.Errorf("queue = %v, want incoming", roundTrip["queue"])
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name: "valid",
			task: Task{ID: "1", Queue: "incoming", Priority: "P2"},
		},
		{
			name:    "missing id",
			task:    Task{Queue: "incoming"},
			wantErr: true,
		},
		{
			name:    "missing queue",
			task:    Task{ID: "1"},
			wantErr: true,
		},
		{
			name:    "bad priority",
			task:    Task{ID: "1", Queue: "incoming", Priority: "P9"},
			wantErr: true,
		},
		{
			name: "empty priority allowed",
			task: Task{ID: "1", Queue: "incoming"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBlockedByIDs(t *testing.T) {
	tests := []struct {
		blockedBy string
		want      int
	}{
		{"", 0},
		{"  ", 0},
		{"1", 1},
		{"1,2,3", 3},
		{" 1 , 2 ,", 2},
	}

	for _, tt := range tests {
		task := Task{BlockedBy: tt.blockedBy}
		if got := task.BlockedByIDs(); len(got) != tt.want {
			t.Errorf("BlockedByIDs(%q) = %v, want %d ids", tt.blockedBy, got, tt.want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityRank("P0") != 0 {
		t.Errorf("P0 rank = %d, want 0", PriorityRank("P0"))
	}
	if PriorityRank("P3") != 3 {
		t.Errorf("P3 rank = %d, want 3", PriorityRank("P3"))
	}
	if PriorityRank("P5") != -1 {
		t.Errorf("P5 rank = %d, want -1", PriorityRank("P5"))
	}
}

func TestFlowNameDefault(t *testing.T) {
	task := Task{}
	if task.FlowName() != "default" {
		t.Errorf("FlowName() = %q, want default", task.FlowName())
	}
	task.Flow = "project"
	if task.FlowName() != "project" {
		t.Errorf("FlowName() = %q, want project", task.FlowName())
	}
}

func TestAgentBranch(t *testing.T) {
	task := Task{ID: "42"}
	if task.AgentBranch() != "agent/42" {
		t.Errorf("AgentBranch() = %q, want agent/42", task.AgentBranch())
	}
}

func TestHooksRoundTrip(t *testing.T) {
	hooks := []Hook{
		{Name: "lint", Point: "pre_submit", Type: "script", Status: "pending"},
		{Name: "notify", Point: "post_merge", Type: "webhook"},
	}

	encoded, err := EncodeHooks(hooks)
	if err != nil {
		t.Fatalf("EncodeHooks() error = %v", err)
	}

	task := Task{Hooks: encoded}
	parsed, err := task.ParseHooks()
	if err != nil {
		t.Fatalf("ParseHooks() error = %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("expected 2 hooks, got %d", len(parsed))
	}
	if parsed[0].Name != "lint" || parsed[0].Point != "pre_submit" {
		t.Errorf("unexpected first hook: %+v", parsed[0])
	}

	empty := Task{}
	if hooks, err := empty.ParseHooks(); err != nil || hooks != nil {
		t.Errorf("expected nil hooks for empty field, got %v, %v", hooks, err)
	}
}
