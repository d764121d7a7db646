package step

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// pytestMarkers identify a pytest project up to two directory levels
// deep, which covers the common src/ and tests/ layouts.
var pytestMarkers = []string{
	"pytest.ini",
	"conftest.py",
	"*/conftest.py",
	"*/*/conftest.py",
	"*/pytest.ini",
}

// nodeShimDirs are appended to PATH when they exist under the user's
// home, so spawned test runs find node installed via nvm, corepack,
// or pnpm rather than only a system node.
var nodeShimDirs = []string{
	".local/bin",
	".nvm/current/bin",
	".local/share/pnpm",
	".cache/node/corepack/shims",
}

// DetectTestCommand inspects well-known marker files in the worktree
// and picks a test runner. Returns "" when nothing recognizable exists.
func DetectTestCommand(dir string) (string, error) {
	if hasPytestMarkers(dir) {
		return "pytest", nil
	}
	if hasNpmTestScript(dir) {
		return "npm test", nil
	}
	if hasMakeTestTarget(dir) {
		return "make test", nil
	}
	return "", nil
}

func hasPytestMarkers(dir string) bool {
	for _, pattern := range pytestMarkers {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	return err == nil && strings.Contains(string(data), "[tool.pytest")
}

// packageJSON is a minimal view of package.json for script inspection.
type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

func hasNpmTestScript(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	return strings.TrimSpace(pkg.Scripts["test"]) != ""
}

func hasMakeTestTarget(dir string) bool {
	f, err := os.Open(filepath.Join(dir, "Makefile"))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "test:") {
			return true
		}
	}
	return false
}

// runTestCommand executes a detected or configured test command in the
// worktree with the augmented PATH.
func runTestCommand(ctx context.Context, dir, command string) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return fmt.Errorf("empty test command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PATH="+augmentedPath())

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// augmentedPath extends PATH with the node shim directories that exist.
func augmentedPath() string {
	path := os.Getenv("PATH")
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	for _, rel := range nodeShimDirs {
		dir := filepath.Join(home, rel)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			path = path + string(os.PathListSeparator) + dir
		}
	}
	return path
}
