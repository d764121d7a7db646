package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrFlowNotFound is returned when the flow directory has no definition
// for the requested name.
var ErrFlowNotFound = errors.New("flow not found")

// flowCacheSize bounds the parsed-flow cache. Projects rarely define
// more than a handful of flows.
const flowCacheSize = 32

// Loader reads flow definitions from a directory and caches parsed
// results. An optional watcher invalidates cache entries when definition
// files change, so edits take effect on the next tick without a restart.
type Loader struct {
	dir    string
	logger *slog.Logger
	cache  *lru.Cache[string, *Flow]
}

// NewLoader creates a loader for the given flow directory.
func NewLoader(dir string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *Flow](flowCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow cache: %w", err)
	}
	return &Loader{dir: dir, logger: logger, cache: cache}, nil
}

// Load returns the named flow, parsing and caching it on first use.
func (l *Loader) Load(name string) (*Flow, error) {
	if flow, ok := l.cache.Get(name); ok {
		return flow, nil
	}

	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, name)
		}
		return nil, fmt.Errorf("failed to read flow %s: %w", name, err)
	}

	flow, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", name, err)
	}
	if flow.Name == "" {
		flow.Name = name
	}

	l.cache.Add(name, flow)
	l.logger.Debug("Loaded flow", "name", name, "transitions", len(flow.Transitions))
	return flow, nil
}

// Invalidate drops a cached flow so the next Load re-reads its file.
func (l *Loader) Invalidate(name string) {
	l.cache.Remove(name)
}

// Names lists the flow names available in the directory.
func (l *Loader) Names() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") {
			names = append(names, strings.TrimSuffix(name, ".yaml"))
		}
	}
	return names, nil
}

// Watch starts a background goroutine that invalidates cached flows
// when their definition files change. It returns once the watch is
// established; the goroutine exits when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create flow watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch flow directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".yaml") {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
				l.cache.Remove(name)
				l.logger.Debug("Invalidated cached flow",
					"name", name,
					"op", event.Op.String())

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Flow watcher error", "error", err)
			}
		}
	}()

	l.logger.Debug("Watching flow directory", "dir", l.dir)
	return nil
}
