package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/octopoid/config"
	"github.com/c360studio/octopoid/flow"
	"github.com/c360studio/octopoid/task"
)

func newInitCmd(dir *string) *cobra.Command {
	var (
		force   bool
		example bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .octopoid directory layout",
		Long: `Init scaffolds .octopoid/ in the target directory: config.yaml,
agents.yaml with the default implementer and gatekeeper blueprints,
the default and project flows, and the runtime directories. Running it
again is safe; existing files are kept unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, *dir, force, example)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration files")
	cmd.Flags().BoolVar(&example, "example", false, "Also write tasks/example.md as a task template")

	return cmd
}

// scaffoldFile is one file init may create: display is the name shown
// to the user, write produces the content at path.
type scaffoldFile struct {
	display string
	path    string
	write   func(path string) error
}

func runInit(cmd *cobra.Command, dir string, force, example bool) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	layout := config.NewLayout(root)
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	scaffold := []scaffoldFile{
		{"config.yaml", layout.ConfigFile(), func(path string) error {
			return config.DefaultConfig().SaveToFile(path)
		}},
		{"agents.yaml", layout.AgentsFile(), func(path string) error {
			return config.DefaultAgents().SaveToFile(path)
		}},
		{"flows/default.yaml", layout.FlowFile("default"), func(path string) error {
			return os.WriteFile(path, []byte(flow.DefaultFlowYAML), 0644)
		}},
		{"flows/project.yaml", layout.FlowFile("project"), func(path string) error {
			return os.WriteFile(path, []byte(flow.ProjectFlowYAML), 0644)
		}},
	}
	if example {
		scaffold = append(scaffold, scaffoldFile{
			"tasks/example.md", filepath.Join(root, "tasks", "example.md"), writeExampleTask,
		})
	}

	for _, f := range scaffold {
		if err := initFile(cmd, f, force); err != nil {
			return err
		}
	}

	cmd.Printf("Initialized %s\n", layout.Dir())
	cmd.Println("Next: set server.url in config.yaml (or OCTOPOID_SERVER_URL) and run 'octopoid run'.")
	return nil
}

// initFile writes one scaffold file, keeping an existing one unless
// force is set.
func initFile(cmd *cobra.Command, f scaffoldFile, force bool) error {
	if _, err := os.Stat(f.path); err == nil && !force {
		cmd.Printf("  kept  %s (use --force to overwrite)\n", f.display)
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", f.path, err)
	}

	if err := f.write(f.path); err != nil {
		return err
	}
	cmd.Printf("  wrote %s\n", f.display)
	return nil
}

func writeExampleTask(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}

	file := &task.File{
		ID:        "1",
		Title:     "Example task",
		Role:      "implementer",
		Priority:  "P2",
		Branch:    "main",
		Created:   time.Now().UTC().Format(time.RFC3339),
		CreatedBy: "octopoid-init",
		Context: "Replace this with what the agent should build and any background\n" +
			"it needs. The agent sees this section verbatim in its prompt.",
		Criteria: []task.Criterion{
			{Text: "Replace these checkboxes with verifiable acceptance criteria"},
			{Text: "Each box should be checkable by the gatekeeper"},
		},
	}

	if err := os.WriteFile(path, []byte(file.Format()), 0644); err != nil {
		return fmt.Errorf("failed to write example task: %w", err)
	}
	return nil
}
