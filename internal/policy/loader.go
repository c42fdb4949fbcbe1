package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a Policy from a YAML file and can watch it for changes,
// grounded on the teacher's fsnotify-based config watcher: watch the
// containing directory, not the file itself, so editor rename-and-replace
// saves (vim, nano) are still observed.
type Loader struct {
	logger *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a policy file Loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "policy.Loader")}
}

// Load reads and parses a policy file. Defaults are seeded by unmarshaling
// onto a pre-populated Default() policy rather than post-processing the
// result: yaml.v3 only overwrites the fields a document's keys actually
// name, so a field an operator omits keeps its default and a field they
// set — including to a meaningful zero like checkpoint_trigger: 0, to force
// a checkpoint on every action — keeps exactly the value they wrote. This
// mirrors how config.Loader.Load seeds onto DefaultConfig().
func (l *Loader) Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	for _, rule := range p.ActionRules {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("policy file %s: action rule %q has an empty pattern", path, rule.Description)
		}
	}

	l.logger.Info("loaded policy", "path", path, "action_rules", len(p.ActionRules))
	return p, nil
}

// WatchConfig starts an fsnotify watcher on the given policy file path.
// When the file is written or (re)created, onReload is invoked with its
// absolute path. Call StopWatch to clean up.
func (l *Loader) WatchConfig(path string, onReload func(path string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(absPath, onReload)

	l.logger.Info("watching policy file for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, onReload func(string)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("policy file changed, triggering reload", "path", targetPath)
				onReload(targetPath)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the policy file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
