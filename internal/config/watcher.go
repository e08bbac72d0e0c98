package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"hobbes/internal/logging"
)

// Watcher keeps a live Config snapshot and reloads it when the file changes.
// Invalid edits are logged and the previous snapshot stays current.
type Watcher struct {
	path        string
	current     atomic.Pointer[Config]
	watcher     *fsnotify.Watcher
	debounceDur time.Duration

	mu        sync.Mutex
	listeners []func(*Config)

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher loads path and prepares to watch its directory.
// The directory is watched rather than the file so editors that replace files are seen.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:        path,
		watcher:     fw,
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the latest successfully loaded config. Callers must not mutate it.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start runs the watch loop until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop(ctx)
}

// Stop ends the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if !w.started.Load() {
			w.watcher.Close()
			close(w.doneCh)
		}
	})
	<-w.doneCh
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	var pending <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(w.debounceDur)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("config watcher error: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.ConfigWarn("config reload failed, keeping previous: %v", err)
		return
	}
	if err := cfg.Integrations.Validate(); err != nil {
		logging.ConfigWarn("config reload rejected: %v", err)
		return
	}
	w.current.Store(cfg)
	logging.Config("config reloaded from %s", w.path)

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}
