// Package watch follows a file holding an encoded state token and reports
// every new token written to it.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/fsnotify.v1"

	"github.com/coolbeans/csscoverage/pkg/logging"
	"github.com/coolbeans/csscoverage/pkg/state"
)

// StateFileWatcher invokes a callback whenever the watched file holds a new token.
type StateFileWatcher struct {
	path     string
	onChange func(state.Decoded)

	mu       sync.Mutex
	last     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}
}

// NewStateFileWatcher creates a watcher for path. Nothing is watched until Start.
func NewStateFileWatcher(path string, onChange func(state.Decoded)) *StateFileWatcher {
	return &StateFileWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
	}
}

// Path returns the watched file.
func (w *StateFileWatcher) Path() string {
	return w.path
}

// Load reads the file and reports its token if it differs from the last one seen.
// An empty file is skipped.
func (w *StateFileWatcher) Load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil
	}

	w.mu.Lock()
	if token == w.last {
		w.mu.Unlock()
		return nil
	}
	w.last = token
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(state.Decode(token))
	}
	return nil
}

// Start watches the file's directory until ctx is done or Close is called.
// Editors often replace files by rename, so the directory is watched rather
// than the file itself.
func (w *StateFileWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stopChan, w.done
	w.mu.Unlock()

	go w.watchLoop(ctx, watcher, stop, done)
	return nil
}

func (w *StateFileWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case <-stop:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}

			switch {
			case event.Op&fsnotify.Create == fsnotify.Create,
				event.Op&fsnotify.Write == fsnotify.Write:
				if err := w.Load(); err != nil {
					logging.Logger().Warn("state file reload failed", "path", w.path, "error", err)
				}

			case event.Op&fsnotify.Remove == fsnotify.Remove,
				event.Op&fsnotify.Rename == fsnotify.Rename:
				logging.Logger().Debug("state file removed", "path", w.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Logger().Warn("watch error", "path", w.path, "error", err)
		}
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *StateFileWatcher) Close() {
	w.mu.Lock()
	stop, done := w.stopChan, w.done
	w.stopChan = nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
