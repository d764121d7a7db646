package flow

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFlowYAML is the flow written by init for standalone tasks:
// implement on a branch, open a PR, merge after human approval.
const DefaultFlowYAML = `name: default
description: Implement a task on a branch, open a PR, and merge it after approval.
transitions:
  "incoming -> claimed":
    agent: implementer
  "claimed -> provisional":
    runs:
      - rebase_on_main
      - run_tests
      - create_pr
  "provisional -> done":
    conditions:
      - name: human_approval
        type: manual
    runs:
      - merge_pr
`

// ProjectFlowYAML is the flow written by init for project tasks whose
// children commit to a shared branch. Children skip create_pr; the
// project opens one PR once every child is done.
const ProjectFlowYAML = `name: project
description: Drive a project whose child tasks commit to a shared branch.
transitions:
  "incoming -> claimed":
    agent: implementer
  "claimed -> children_complete":
    runs:
      - run_tests
  "children_complete -> provisional":
    runs:
      - create_pr
  "provisional -> done":
    conditions:
      - name: human_approval
        type: manual
    runs:
      - merge_pr
child_flow:
  description: Child tasks commit to the shared project branch without a PR.
  transitions:
    "incoming -> claimed":
      agent: implementer
    "claimed -> done":
      runs:
        - rebase_on_main
        - run_tests
`

// WriteDefaults writes the default and project flow files into dir.
// Existing files are left alone unless force is set.
func WriteDefaults(dir string, force bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create flow directory: %w", err)
	}

	files := map[string]string{
		"default.yaml": DefaultFlowYAML,
		"project.yaml": ProjectFlowYAML,
	}

	for name, content := range files {
		path := filepath.Join(dir, name)
		if !force {
			if _, err := os.Stat(path); err == nil {
				continue
			}
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return nil
}
