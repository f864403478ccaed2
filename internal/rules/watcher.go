package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a rule set loaded from a user-editable file, reloading
// it when the file changes. The rule definitions are read-only input to
// the engine; they are never mutated here.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// NewWatcher loads the rule file once. A missing file is not an error;
// it simply yields an empty rule set until one appears.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:   path,
		logger: logger.With("component", "rules"),
	}
	w.reload()
	return w, nil
}

// Rules returns the currently loaded rule set.
func (w *Watcher) Rules() []Rule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rules
}

// Watch reloads the rule file on filesystem changes until ctx ends.
// The parent directory is watched rather than the file itself so
// editor-style replace-by-rename is picked up.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rules watcher error", "error", err)
		}
	}
}

// reload swaps in the rule file's current contents. A file that fails to
// load keeps the previous rule set active.
func (w *Watcher) reload() {
	loaded, skipped, err := Load(w.path)
	if err != nil {
		w.logger.Warn("keeping previous rules", "path", w.path, "error", err)
		return
	}
	for _, serr := range skipped {
		w.logger.Warn("rule skipped", "error", serr)
	}

	w.mu.Lock()
	w.rules = loaded
	w.mu.Unlock()
	w.logger.Info("rules loaded", "count", len(loaded), "skipped", len(skipped))
}
