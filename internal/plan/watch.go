package plan

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow collects bursts of filesystem events into one
// notification. Plan writes go through a temp file plus rename, which
// produces several events per registration.
const debounceWindow = 50 * time.Millisecond

// Watcher notifies when plan artifacts land in a session's plans
// directory. The watch view uses it to refresh as soon as a planner
// registers a plan, instead of waiting out its poll interval.
type Watcher struct {
	watcher  *fsnotify.Watcher
	plansDir string
	events   chan string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates a watcher over the given plans directory. The
// directory is created if it does not exist. Call Start to begin
// receiving events and Stop to release the watcher.
func NewWatcher(plansDir string) (*Watcher, error) {
	if err := os.MkdirAll(plansDir, 0755); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		plansDir: plansDir,
		events:   make(chan string, 16),
		stopCh:   make(chan struct{}),
	}

	if err := w.watchDirRecursive(plansDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events returns the channel of plan keys (paths relative to the plans
// directory) that were created or updated.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start begins watching for plan changes.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher and releases its resources. Safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// watchDirRecursive adds a directory and all its subdirectories to the
// watcher. fsnotify only watches directories, not trees.
func (w *Watcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// listFiles returns the plan keys of all regular files under root.
func (w *Watcher) listFiles(root string) []string {
	var keys []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".tmp-") {
			return nil
		}
		if rel, relErr := filepath.Rel(w.plansDir, path); relErr == nil {
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	return keys
}

// watchLoop processes filesystem events, debouncing bursts so one plan
// registration produces one notification.
func (w *Watcher) watchLoop() {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer

	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// New plan-type directories must be watched as they
			// appear. Files that landed before the watch was added
			// are picked up here so registrations are never missed.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				_ = w.watchDirRecursive(event.Name)
				for _, key := range w.listFiles(event.Name) {
					pending[key] = struct{}{}
				}
				debounceTimer.Reset(debounceWindow)
				continue
			}

			// Ignore temp files from atomic writes
			if strings.HasPrefix(filepath.Base(event.Name), ".tmp-") {
				continue
			}

			if rel, err := filepath.Rel(w.plansDir, event.Name); err == nil {
				pending[filepath.ToSlash(rel)] = struct{}{}
			}
			debounceTimer.Reset(debounceWindow)

		case <-debounceTimer.C:
			for key := range pending {
				select {
				case w.events <- key:
				case <-w.stopCh:
					return
				}
			}
			pending = make(map[string]struct{})

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
