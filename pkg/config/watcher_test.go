package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reloadRecorder captures watcher callbacks.
type reloadRecorder struct {
	mu    sync.Mutex
	diffs []*Diff
}

func (r *reloadRecorder) callback(_ context.Context, _, _ *Config, diff *Diff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, diff)
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func (r *reloadRecorder) last() *Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.diffs) == 0 {
		return nil
	}
	return r.diffs[len(r.diffs)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcherManualReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, "_", false)
	require.NoError(t, store.Save(testCatalog()))
	_, err := store.Load()
	require.NoError(t, err)

	rec := &reloadRecorder{}
	w := NewWatcher(store, WatchOff, time.Hour, rec.callback)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Rewrite the file externally, then trigger an in-process reload.
	next := testCatalog()
	next.Servers["extra"] = &ServerConfig{Name: "extra", Command: "extra-mcp", Enabled: true}
	data, err := Serialize(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	w.Reload()
	waitFor(t, func() bool { return rec.count() == 1 })

	diff := rec.last()
	require.NotNil(t, diff)
	assert.Equal(t, []string{"extra"}, diff.Added)
	assert.Contains(t, store.Current().Servers, "extra")
}

func TestWatcherDebouncesBursts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, "_", false)
	require.NoError(t, store.Save(testCatalog()))
	_, err := store.Load()
	require.NoError(t, err)

	rec := &reloadRecorder{}
	w := NewWatcher(store, WatchOff, time.Hour, rec.callback)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	next := testCatalog()
	next.Servers["extra"] = &ServerConfig{Name: "extra", Command: "extra-mcp", Enabled: true}
	data, err := Serialize(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	// A burst of triggers within the debounce window collapses into one
	// reload.
	for range 10 {
		w.Reload()
	}
	waitFor(t, func() bool { return rec.count() >= 1 })
	time.Sleep(3 * debounceWindow)
	assert.Equal(t, 1, rec.count())
}

func TestWatcherIgnoreNextChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, "_", false)
	require.NoError(t, store.Save(testCatalog()))
	_, err := store.Load()
	require.NoError(t, err)

	rec := &reloadRecorder{}
	w := NewWatcher(store, WatchOff, time.Hour, rec.callback)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	next := testCatalog()
	next.Servers["extra"] = &ServerConfig{Name: "extra", Command: "extra-mcp", Enabled: true}
	data, err := Serialize(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	w.IgnoreNextChange()
	w.Reload()
	time.Sleep(3 * debounceWindow)
	assert.Zero(t, rec.count(), "programmatic save must not re-trigger")

	w.Reload()
	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestWatcherInvalidFileKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, "_", false)
	require.NoError(t, store.Save(testCatalog()))
	_, err := store.Load()
	require.NoError(t, err)

	rec := &reloadRecorder{}
	w := NewWatcher(store, WatchOff, time.Hour, rec.callback)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	w.Reload()
	time.Sleep(3 * debounceWindow)

	assert.Zero(t, rec.count())
	assert.Contains(t, store.Current().Servers, "calc", "previous catalog stays in force")
}

func TestWatcherFSNotify(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, "_", false)
	require.NoError(t, store.Save(testCatalog()))
	_, err := store.Load()
	require.NoError(t, err)

	rec := &reloadRecorder{}
	w := NewWatcher(store, WatchAuto, time.Hour, rec.callback)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	next := testCatalog()
	next.Servers["extra"] = &ServerConfig{Name: "extra", Command: "extra-mcp", Enabled: true}
	data, err := Serialize(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	waitFor(t, func() bool { return rec.count() >= 1 })
	assert.Equal(t, []string{"extra"}, rec.last().Added)
}
