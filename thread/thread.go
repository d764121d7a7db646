// Package thread persists per-task feedback threads. Each task gets
// one append-only JSONL file in a shared directory so every
// orchestrator on the machine sees the same review history.
package thread

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one feedback message in a task's thread.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
}

// Store reads and appends task threads under one directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a thread store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// fileName normalizes a task id into its thread file name. Server ids
// may or may not carry the TASK- prefix already.
func fileName(taskID string) string {
	name := taskID
	if !strings.HasPrefix(name, "TASK-") {
		name = "TASK-" + name
	}
	return name + ".jsonl"
}

// Path returns the thread file path for a task.
func (s *Store) Path(taskID string) string {
	return filepath.Join(s.dir, fileName(taskID))
}

// Append adds an entry to a task's thread, creating the file on first
// write. A zero timestamp is filled with the current time.
func (s *Store) Append(taskID string, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal thread entry: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create thread directory: %w", err)
	}

	f, err := os.OpenFile(s.Path(taskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open thread file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append thread entry: %w", err)
	}
	return nil
}

// Read returns a task's thread entries in append order. A missing file
// means no feedback yet. Malformed lines are skipped with a warning so
// one corrupt write never loses the rest of the thread.
func (s *Store) Read(taskID string) ([]Entry, error) {
	f, err := os.Open(s.Path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open thread file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn("skipping malformed thread line",
				"task_id", taskID,
				"line", lineNo,
				"error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read thread file: %w", err)
	}

	return entries, nil
}

// Format renders a thread as a prompt section, oldest entry first.
// Returns "" when the task has no feedback.
func (s *Store) Format(taskID string) (string, error) {
	entries, err := s.Read(taskID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Previous Feedback\n\n")
	for _, entry := range entries {
		author := entry.Role
		if entry.Author != "" {
			author = fmt.Sprintf("%s (%s)", entry.Role, entry.Author)
		}
		b.WriteString(fmt.Sprintf("[%s] %s:\n%s\n\n",
			entry.Timestamp.Format("2006-01-02 15:04"),
			author,
			strings.TrimSpace(entry.Content)))
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
