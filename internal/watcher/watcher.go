// Package watcher provides a drop-directory watcher with fsnotify and
// debouncing. Files placed under <root>/<patient_id>/<file> are handed to an
// ingest callback once writes settle.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches a drop directory and invokes onDrop for settled files.
// The first path element below the root names the patient the file belongs to.
type Watcher struct {
	root     string
	onDrop   func(patientID, path string)
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *zap.Logger

	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the settle delay before a dropped file is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher over root. onDrop is called with the patient ID and
// the file path once a dropped file stops changing.
func New(root string, onDrop func(patientID, path string), logger *zap.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		root:        root,
		onDrop:      onDrop,
		debounce:    defaultDebounce,
		logger:      logger,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Existing patient subdirectories are watched
// immediately; new ones are picked up as they appear. Runs until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create drop directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(w.root); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(w.root, entry.Name())); err != nil {
					w.logger.Warn("failed to watch patient directory",
						zap.String("dir", entry.Name()), zap.Error(err))
				}
			}
		}
	}
	w.watcher = watcher
	w.started = true
	w.mu.Unlock()

	w.logger.Info("drop directory watcher started", zap.String("root", w.root))
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
	default:
		w.cancelDebounce(ev.Name)
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		// A new patient directory under the root.
		if filepath.Dir(ev.Name) == filepath.Clean(w.root) {
			if err := w.watcher.Add(ev.Name); err != nil {
				w.logger.Warn("failed to watch patient directory",
					zap.String("dir", ev.Name), zap.Error(err))
			}
		}
		return
	}

	patientID, ok := w.patientFor(ev.Name)
	if !ok {
		// Files directly in the root have no patient; ignore them.
		return
	}
	w.debounceDrop(patientID, ev.Name)
}

// patientFor returns the patient ID a dropped file belongs to: the name of
// its directory, which must sit directly under the watch root.
func (w *Watcher) patientFor(path string) (string, bool) {
	dir := filepath.Dir(path)
	if filepath.Dir(dir) != filepath.Clean(w.root) {
		return "", false
	}
	return filepath.Base(dir), true
}

func (w *Watcher) debounceDrop(patientID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.logger.Debug("dropped file settled",
			zap.String("patient_id", patientID), zap.String("path", path))
		if w.onDrop != nil {
			w.onDrop(patientID, path)
		}
	})
	w.debounceMap[path] = t
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// Stop stops the watcher and cancels pending debounced drops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, t := range w.debounceMap {
			t.Stop()
			delete(w.debounceMap, path)
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.mu.Unlock()
	})
}
