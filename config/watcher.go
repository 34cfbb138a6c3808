package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent describes a pipeline definition file change.
type ChangeEvent struct {
	// PipelineID is the file name without extension.
	PipelineID string
	// Path is the definition file path.
	Path string
	// Removed is set when the file was deleted or renamed away.
	Removed bool
}

// Watcher monitors a pipeline definition directory and invokes a callback
// for each changed file. Events are debounced per path so editors that
// write-then-rename don't trigger twice. Callers typically reload the
// definition and invalidate the module registry entry on change.
type Watcher struct {
	dir      string
	onChange func(ChangeEvent)
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher for dir. onChange is called from the
// watcher's goroutine for each settled change.
func NewWatcher(dir string, onChange func(ChangeEvent), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching. It returns an error if the directory cannot be
// watched.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsWatcher = fw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and waits for in-flight callbacks to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fsWatcher != nil {
			w.fsWatcher.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
			w.schedule(event.Name, removed)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pipeline watcher error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a path.
func (w *Watcher) schedule(path string, removed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		w.onChange(ChangeEvent{PipelineID: id, Path: path, Removed: removed})
	})
}
