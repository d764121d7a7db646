// Package prompt renders the instruction file an agent reads when it
// starts on a task. Role prompts are plain strings; a blueprint may
// override them with its own template content.
package prompt

import (
	"fmt"
	"strings"

	"github.com/c360studio/octopoid/task"
)

// Input carries everything a task prompt is built from.
type Input struct {
	Task        *task.Task
	Role        string
	WorktreeDir string
	ResultFile  string
	NotesFile   string

	// Feedback is the formatted task thread, empty when the task has
	// never been rejected.
	Feedback string

	// Template replaces the built-in role instructions when set.
	Template string
}

// Render builds the complete prompt for an agent run.
func Render(in Input) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Task %s\n\n", in.Task.ID))
	if title := in.Task.Title(); title != "" {
		sb.WriteString(title + "\n\n")
	}

	instructions := in.Template
	if instructions == "" {
		instructions = roleInstructions(in.Role)
	}
	sb.WriteString(strings.TrimSpace(instructions))
	sb.WriteString("\n\n")

	sb.WriteString("## Task Details\n\n")
	sb.WriteString(fmt.Sprintf("- ID: %s\n", in.Task.ID))
	sb.WriteString(fmt.Sprintf("- Role: %s\n", in.Role))
	if in.Task.Priority != "" {
		sb.WriteString(fmt.Sprintf("- Priority: %s\n", in.Task.Priority))
	}
	sb.WriteString(fmt.Sprintf("- Working tree: %s\n", in.WorktreeDir))
	if in.Task.ProjectID != "" {
		sb.WriteString(fmt.Sprintf("- Project: %s\n", in.Task.ProjectID))
	}
	if in.Task.RejectionCount > 0 {
		sb.WriteString(fmt.Sprintf("- Previous rejections: %d\n", in.Task.RejectionCount))
	}
	sb.WriteString("\n")

	if in.Feedback != "" {
		sb.WriteString(strings.TrimSpace(in.Feedback))
		sb.WriteString("\n\n")
	}

	sb.WriteString(outputContract(in))
	return sb.String()
}

// roleInstructions returns the built-in instructions for a role.
// Unknown roles get the implementer instructions, which are the safe
// general-purpose default.
func roleInstructions(role string) string {
	switch role {
	case "gatekeeper":
		return gatekeeperInstructions
	default:
		return implementerInstructions
	}
}

const implementerInstructions = `You are an implementation agent working on one task.

## Your Objective

Implement the task described below inside the working tree. Commit your
work with clear messages as you go. Do not push branches or open pull
requests; the orchestrator handles that after you finish.

## Rules

1. Work only inside the working tree.
2. Run the project's tests before declaring the task done.
3. Keep commits focused; one logical change per commit.
4. If you cannot finish, explain why in your result instead of guessing.`

const gatekeeperInstructions = `You are a review agent judging one submitted task.

## Your Objective

Review the changes on this task's branch against the task description
and the project's standards. You decide whether the work is accepted.

## Rules

1. Read the diff against the base branch before anything else.
2. Check that tests exist for the changed behavior and that they pass.
3. Reject with a specific, actionable comment; vague rejections waste
   an implementation cycle.
4. Approve only work you would merge yourself.`

// outputContract tells the agent exactly what to write and where.
func outputContract(in Input) string {
	var sb strings.Builder
	sb.WriteString("## Output Contract\n\n")

	if in.Role == "gatekeeper" {
		sb.WriteString(fmt.Sprintf("When finished, write your verdict to %s as JSON:\n\n", in.ResultFile))
		sb.WriteString("```json\n")
		sb.WriteString("{\"status\": \"done\", \"decision\": \"approve\" | \"reject\", \"comment\": \"specific feedback\"}\n")
		sb.WriteString("```\n")
	} else {
		sb.WriteString(fmt.Sprintf("When finished, write your result to %s as JSON:\n\n", in.ResultFile))
		sb.WriteString("```json\n")
		sb.WriteString("{\"outcome\": \"done\" | \"failed\" | \"needs_continuation\", \"reason\": \"one-line summary\"}\n")
		sb.WriteString("```\n")
		if in.NotesFile != "" {
			sb.WriteString(fmt.Sprintf("\nIf you run out of turns mid-task, leave continuation notes in %s\nso the next run can pick up where you stopped.\n", in.NotesFile))
		}
	}
	return sb.String()
}

// CommandPrompt builds the prompt for a dispatched human command: the
// project instruction file, the command itself, and the execution
// constraints a short-lived command agent runs under.
func CommandPrompt(instructions, content, writableDir string) string {
	var sb strings.Builder

	if strings.TrimSpace(instructions) != "" {
		sb.WriteString(strings.TrimSpace(instructions))
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Command\n\n")
	sb.WriteString(strings.TrimSpace(content))
	sb.WriteString("\n\n")

	sb.WriteString("## Execution Constraints\n\n")
	sb.WriteString("1. Treat the repository as read-only")
	if writableDir != "" {
		sb.WriteString(fmt.Sprintf(" except for the %s/ directory", writableDir))
	}
	sb.WriteString(".\n")
	sb.WriteString("2. Do not run git commands that change state (commit, push, rebase, checkout).\n")
	sb.WriteString("3. Answer concisely; your final message is relayed back verbatim.\n")

	return sb.String()
}
