package task

import (
	"fmt"
	"regexp"
	"strings"
)

// File represents a task definition parsed from a task markdown file.
type File struct {
	// ID is the task identifier from the header (e.g., "42")
	ID string

	// Title is the header text after the id
	Title string

	// Role is the handling agent role
	Role string

	// Priority is P0..P3
	Priority string

	// Branch is the git base branch
	Branch string

	// Created is the creation timestamp as written
	Created string

	// CreatedBy names the author
	CreatedBy string

	// BlockedBy is the comma-separated blocker list
	BlockedBy string

	// OriginalTask links a respawned task to its origin
	OriginalTask string

	// Type is the optional task category
	Type string

	// Context is the body of the "## Context" section
	Context string

	// Criteria are the acceptance checklist items
	Criteria []Criterion
}

// Criterion is one acceptance-criteria checkbox.
type Criterion struct {
	Text string
	Done bool
}

// headerPattern matches the task header: # [TASK-<id>] <title>
var headerPattern = regexp.MustCompile(`^#\s*\[TASK-([^\]]+)\]\s*(.+)$`)

// fieldPattern matches KEY: value metadata lines
var fieldPattern = regexp.MustCompile(`^([A-Z_]+):\s*(.*)$`)

// sectionPattern matches markdown headers: ## Section Name
var sectionPattern = regexp.MustCompile(`^##\s+(.+)$`)

// checkboxPattern matches markdown checkbox items: - [ ] or - [x]
var checkboxPattern = regexp.MustCompile(`^[-*]\s*\[([ xX])\]\s*(.+)$`)

// ParseFile parses a task markdown file. The expected shape is a
// # [TASK-<id>] header, KEY: value metadata lines, then a "## Context"
// section and a "## Acceptance Criteria" checklist.
func ParseFile(content string) (*File, error) {
	file := &File{}
	var currentSection string
	var contextLines []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if file.ID == "" {
			if matches := headerPattern.FindStringSubmatch(trimmed); matches != nil {
				file.ID = matches[1]
				file.Title = strings.TrimSpace(matches[2])
				continue
			}
			if trimmed == "" {
				continue
			}
			return nil, fmt.Errorf("task file must start with a '# [TASK-<id>] <title>' header")
		}

		if matches := sectionPattern.FindStringSubmatch(trimmed); matches != nil {
			currentSection = strings.ToLower(strings.TrimSpace(matches[1]))
			continue
		}

		switch currentSection {
		case "":
			matches := fieldPattern.FindStringSubmatch(trimmed)
			if matches == nil {
				continue
			}
			value := strings.TrimSpace(matches[2])
			switch matches[1] {
			case "ROLE":
				file.Role = value
			case "PRIORITY":
				file.Priority = value
			case "BRANCH":
				file.Branch = value
			case "CREATED":
				file.Created = value
			case "CREATED_BY":
				file.CreatedBy = value
			case "BLOCKED_BY":
				file.BlockedBy = value
			case "ORIGINAL_TASK":
				file.OriginalTask = value
			case "TYPE":
				file.Type = value
			}
		case "context":
			contextLines = append(contextLines, line)
		case "acceptance criteria":
			if matches := checkboxPattern.FindStringSubmatch(trimmed); matches != nil {
				file.Criteria = append(file.Criteria, Criterion{
					Text: strings.TrimSpace(matches[2]),
					Done: matches[1] == "x" || matches[1] == "X",
				})
			}
		}
	}

	if file.ID == "" {
		return nil, fmt.Errorf("task file has no '# [TASK-<id>]' header")
	}

	file.Context = strings.TrimSpace(strings.Join(contextLines, "\n"))
	return file, nil
}

// Validate checks the fields required before submitting to the server.
func (f *File) Validate() error {
	if f.Title == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if f.Role == "" {
		return &ValidationError{Field: "role", Message: "ROLE is required"}
	}
	if f.Priority != "" && !ValidPriority(f.Priority) {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("invalid PRIORITY %q", f.Priority)}
	}
	return nil
}

// Format renders the file back to task markdown.
func (f *File) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# [TASK-%s] %s\n", f.ID, f.Title)
	writeField := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, value)
		}
	}
	writeField("ROLE", f.Role)
	writeField("PRIORITY", f.Priority)
	writeField("BRANCH", f.Branch)
	writeField("CREATED", f.Created)
	writeField("CREATED_BY", f.CreatedBy)
	writeField("BLOCKED_BY", f.BlockedBy)
	writeField("ORIGINAL_TASK", f.OriginalTask)
	writeField("TYPE", f.Type)

	if f.Context != "" {
		b.WriteString("\n## Context\n\n")
		b.WriteString(f.Context)
		b.WriteString("\n")
	}

	if len(f.Criteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n\n")
		for _, c := range f.Criteria {
			mark := " "
			if c.Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}
	}

	return b.String()
}

// CriteriaStats returns the total and completed checkbox counts.
func (f *File) CriteriaStats() (total, completed int) {
	total = len(f.Criteria)
	for _, c := range f.Criteria {
		if c.Done {
			completed++
		}
	}
	return total, completed
}
