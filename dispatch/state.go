package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ProcessingEntry records a command currently being executed. Entries
// that outlive the stuck threshold are the residue of a crash mid-run.
type ProcessingEntry struct {
	StartedAt time.Time `json:"started_at"`
	TaskID    string    `json:"task_id,omitempty"`
	Snippet   string    `json:"snippet,omitempty"`
}

// State is the dispatcher's persisted ledger. Message ids land in
// exactly one bucket; done and failed entries are never retried.
type State struct {
	Done       map[string]string          `json:"done"`
	Failed     map[string]string          `json:"failed"`
	Processing map[string]ProcessingEntry `json:"processing"`
}

// NewState returns an empty ledger.
func NewState() *State {
	return &State{
		Done:       make(map[string]string),
		Failed:     make(map[string]string),
		Processing: make(map[string]ProcessingEntry),
	}
}

// Seen reports whether a message id is recorded in any bucket.
func (s *State) Seen(id string) bool {
	if _, ok := s.Done[id]; ok {
		return true
	}
	if _, ok := s.Failed[id]; ok {
		return true
	}
	_, ok := s.Processing[id]
	return ok
}

// LoadState reads the ledger from disk. A missing file yields a fresh
// state; a corrupt one is an error so history is not silently dropped.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read dispatch state: %w", err)
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse dispatch state: %w", err)
	}
	if st.Done == nil {
		st.Done = make(map[string]string)
	}
	if st.Failed == nil {
		st.Failed = make(map[string]string)
	}
	if st.Processing == nil {
		st.Processing = make(map[string]ProcessingEntry)
	}
	return st, nil
}

// SaveState rewrites the ledger in full.
func SaveState(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dispatch state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dispatch state: %w", err)
	}
	return nil
}
