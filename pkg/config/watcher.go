package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maggmcp/magg/pkg/logger"
)

// debounceWindow collapses bursts of change events into a single reload.
const debounceWindow = 100 * time.Millisecond

// ReloadFunc receives the previous catalog, the freshly loaded one, and
// their diff after every accepted reload.
type ReloadFunc func(ctx context.Context, old, new *Config, diff *Diff)

// Watcher emits a coalesced reload event from any of four sources:
// file-system notifications on the catalog path, a timed mtime poll,
// SIGHUP, and the in-process Reload call. On receipt it re-loads the store
// and hands the diff to the registered callback.
type Watcher struct {
	store        *Store
	mode         WatchMode
	pollInterval time.Duration
	onReload     ReloadFunc

	events chan struct{}

	mu         sync.Mutex
	ignoreNext bool
	lastMtime  time.Time
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates a watcher over the store's catalog file. The callback
// runs on the watcher goroutine; it must not block indefinitely.
func NewWatcher(store *Store, mode WatchMode, pollInterval time.Duration, onReload ReloadFunc) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Watcher{
		store:        store,
		mode:         mode,
		pollInterval: pollInterval,
		onReload:     onReload,
		events:       make(chan struct{}, 1),
	}
}

// Start launches the watch loop and its event sources. It returns
// immediately; Stop (or cancelling ctx) shuts everything down.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		logger.Warn("Config watcher already running")
		return nil
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	if st, err := os.Stat(w.store.Path()); err == nil {
		w.mu.Lock()
		w.lastMtime = st.ModTime()
		w.mu.Unlock()
	}

	var fsWatcher *fsnotify.Watcher
	if w.mode != WatchOff {
		var err error
		fsWatcher, err = w.startFSNotify(ctx)
		if err != nil {
			if w.mode == WatchOn {
				w.mu.Lock()
				w.started = false
				w.mu.Unlock()
				w.cancel()
				close(w.done)
				return err
			}
			logger.Warnf("File-system notifications unavailable, falling back to polling: %v", err)
		}
	}

	go w.watchSignals(ctx)
	go w.run(ctx, fsWatcher)
	return nil
}

// Stop terminates the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.started = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Reload triggers an in-process reload event, used by the admin
// reload_config tool.
func (w *Watcher) Reload() {
	w.trigger()
}

// IgnoreNextChange suppresses the next file-change event. Programmatic saves
// call this so the aggregator's own writes do not re-trigger a reload.
func (w *Watcher) IgnoreNextChange() {
	w.mu.Lock()
	w.ignoreNext = true
	w.mu.Unlock()
}

func (w *Watcher) trigger() {
	select {
	case w.events <- struct{}{}:
	default:
		// An event is already pending; it will pick up this change too.
	}
}

func (w *Watcher) startFSNotify(ctx context.Context) (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files via rename, which would
	// detach a watch on the file itself.
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return nil, err
	}

	go func() {
		defer fsw.Close()
		target := filepath.Clean(w.store.Path())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.trigger()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warnf("Config file watch error: %v", err)
			}
		}
	}()

	logger.Debug("Watching catalog via file-system notifications")
	return fsw, nil
}

func (w *Watcher) watchSignals(ctx context.Context) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP)
	defer signal.Stop(sigc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigc:
			logger.Info("SIGHUP received, reloading configuration")
			w.trigger()
		}
	}
}

func (w *Watcher) run(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	defer close(w.done)

	// The poll ticker is the fallback when notifications are off or could
	// not be started; while file-system notifications are active it does
	// not poll.
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.events:
			// Debounce: let a burst of events settle into one reload.
			timer := time.NewTimer(debounceWindow)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			w.drainEvents()
			w.reload(ctx, false)
		case <-ticker.C:
			if fsWatcher == nil {
				w.pollMtime(ctx)
			}
		}
	}
}

func (w *Watcher) drainEvents() {
	for {
		select {
		case <-w.events:
		default:
			return
		}
	}
}

func (w *Watcher) pollMtime(ctx context.Context) {
	st, err := os.Stat(w.store.Path())
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := st.ModTime().After(w.lastMtime)
	w.mu.Unlock()
	if changed {
		w.reload(ctx, true)
	}
}

func (w *Watcher) reload(ctx context.Context, fromPoll bool) {
	if st, err := os.Stat(w.store.Path()); err == nil {
		w.mu.Lock()
		w.lastMtime = st.ModTime()
		w.mu.Unlock()
	}

	w.mu.Lock()
	skip := w.ignoreNext
	w.ignoreNext = false
	w.mu.Unlock()
	if skip {
		logger.Debug("Ignoring catalog change from our own write")
		return
	}

	old := w.store.Current()
	cfg, err := w.store.Load()
	if err != nil {
		// Reload-time validation failures keep the previous catalog in
		// force; they are reported, never fatal.
		logger.Errorf("Catalog reload failed, keeping previous configuration: %v", err)
		return
	}

	diff := ComputeDiff(old, cfg)
	if diff.Empty() {
		logger.Debug("Catalog reloaded, no changes detected")
		return
	}

	if fromPoll {
		logger.Infof("Catalog change detected by polling: %s", diff.Summary())
	} else {
		logger.Infof("Catalog change detected: %s", diff.Summary())
	}
	if w.onReload != nil {
		w.onReload(ctx, old, cfg, diff)
	}
}
