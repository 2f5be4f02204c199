package mount

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maggmcp/magg/pkg/backend"
	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/magg"
)

func strPtr(s string) *string { return &s }

func fastOptions() backend.Options {
	return backend.Options{
		ProbeInterval:   50 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
		ConnectTimeout:  time.Second,
		CloseTimeout:    time.Second,
		InitialBackoff:  5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
		ReconnectBudget: 2,
	}
}

func newTestEngine(opener *fakeOpener) *Engine {
	e := NewEngine("_", opener, nil, fastOptions(), nil)
	e.Start(context.Background())
	return e
}

func catalogOf(servers ...*config.ServerConfig) *config.Config {
	cfg := config.NewConfig()
	for _, srv := range servers {
		cfg.Servers[srv.Name] = srv
	}
	return cfg
}

func waitForMounted(t *testing.T, e *Engine, names ...string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ix := e.Index()
		mounted := make(map[string]bool, len(ix.Mounted))
		for _, name := range ix.Mounted {
			mounted[name] = true
		}
		all := true
		for _, name := range names {
			if !mounted[name] {
				all = false
				break
			}
		}
		if all {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("servers %v not mounted; index %+v", names, e.Index().Mounted)
}

func TestMountAllAggregatesWithPrefixes(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("calc", newFakeHandle("add", "sub"))
	opener.set("web", newFakeHandle("fetch"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	cfg := catalogOf(
		&config.ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "calc-mcp", Enabled: true},
		&config.ServerConfig{Name: "web", Prefix: strPtr("web"), Command: "web-mcp", Enabled: true},
	)
	require.NoError(t, e.MountAll(context.Background(), cfg))
	waitForMounted(t, e, "calc", "web")

	ix := e.Index()
	assert.Contains(t, ix.Tools, "calc_add")
	assert.Contains(t, ix.Tools, "calc_sub")
	assert.Contains(t, ix.Tools, "web_fetch")
	assert.Equal(t, "add", ix.Tools["calc_add"].Local)
	assert.Equal(t, "calc_add", ix.Tools["calc_add"].Def.Name, "registered definition carries the aggregated name")
}

func TestEmptyPrefixIsVerbatim(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("calc", newFakeHandle("add"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	cfg := catalogOf(&config.ServerConfig{Name: "calc", Prefix: strPtr(""), Command: "calc-mcp", Enabled: true})
	require.NoError(t, e.MountAll(context.Background(), cfg))
	waitForMounted(t, e, "calc")

	assert.Contains(t, e.Index().Tools, "add")
}

// Collision: the earlier backend (catalog order) keeps serving; the later
// one is blocked from mounting with a collision error, and the aggregated
// index contains exactly one entry for the contested name.
func TestCollisionBlocksLaterBackend(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("a", newFakeHandle("foo"))
	opener.set("b", newFakeHandle("foo"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	cfg := catalogOf(
		&config.ServerConfig{Name: "a", Prefix: strPtr("x"), Command: "a-mcp", Enabled: true},
		&config.ServerConfig{Name: "b", Prefix: strPtr("x"), Command: "b-mcp", Enabled: true},
	)
	require.NoError(t, e.MountAll(context.Background(), cfg))
	waitForMounted(t, e, "a")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Index().Collided["b"]; ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ix := e.Index()
	require.Contains(t, ix.Collided, "b")
	require.ErrorIs(t, ix.Collided["b"], magg.ErrCollision)
	assert.Equal(t, "a", ix.Tools["x_foo"].Server, "earlier backend keeps serving")
	assert.NotContains(t, ix.Mounted, "b")

	count := 0
	for name := range ix.Tools {
		if name == "x_foo" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	var bStatus *ServerStatus
	for _, st := range e.Status() {
		if st.Name == "b" {
			st := st
			bStatus = &st
		}
	}
	require.NotNil(t, bStatus)
	assert.Equal(t, magg.StateFailed, bStatus.State, "collided backend reports FAILED")
}

func TestCallToolRoutesToOwningBackend(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	calcHandle := newFakeHandle("add")
	opener.set("calc", calcHandle)

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	cfg := catalogOf(&config.ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "calc-mcp", Enabled: true})
	require.NoError(t, e.MountAll(context.Background(), cfg))
	waitForMounted(t, e, "calc")

	result, err := e.CallTool(context.Background(), "calc_add", map[string]any{"a": 2.0, "b": 3.0}, nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "ok:add", text.Text, "backend receives the local name")
	assert.Equal(t, []string{"add"}, calcHandle.calls())

	_, err = e.CallTool(context.Background(), "nope", nil, nil)
	require.ErrorIs(t, err, magg.ErrNotFound)
}

// Atomic reconfigure: removing a backend drops its names from the index in
// one swap, and calls racing the removal fail with backend-gone.
func TestApplyRemovesBackend(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("calc", newFakeHandle("add"))
	opener.set("web", newFakeHandle("fetch"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	old := catalogOf(
		&config.ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "calc-mcp", Enabled: true},
		&config.ServerConfig{Name: "web", Prefix: strPtr("web"), Command: "web-mcp", Enabled: true},
	)
	require.NoError(t, e.MountAll(context.Background(), old))
	waitForMounted(t, e, "calc", "web")

	next := old.Clone()
	delete(next.Servers, "web")
	require.NoError(t, e.Apply(context.Background(), old, next, config.ComputeDiff(old, next)))

	ix := e.Index()
	assert.Contains(t, ix.Tools, "calc_add")
	assert.NotContains(t, ix.Tools, "web_fetch")

	_, err := e.CallTool(context.Background(), "web_fetch", nil, nil)
	require.Error(t, err)
}

func TestApplyToggleDisables(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("calc", newFakeHandle("add"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	old := catalogOf(&config.ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "calc-mcp", Enabled: true})
	require.NoError(t, e.MountAll(context.Background(), old))
	waitForMounted(t, e, "calc")

	next := old.Clone()
	next.Servers["calc"].Enabled = false
	require.NoError(t, e.Apply(context.Background(), old, next, config.ComputeDiff(old, next)))

	assert.Empty(t, e.Index().Tools)
	assert.Empty(t, e.Index().Mounted)

	// Toggle back on.
	again := next.Clone()
	again.Servers["calc"].Enabled = true
	require.NoError(t, e.Apply(context.Background(), next, again, config.ComputeDiff(next, again)))
	waitForMounted(t, e, "calc")
	assert.Contains(t, e.Index().Tools, "calc_add")
}

func TestResolve(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("calc", newFakeHandle("add"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	cfg := catalogOf(&config.ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "calc-mcp", Enabled: true})
	require.NoError(t, e.MountAll(context.Background(), cfg))
	waitForMounted(t, e, "calc")

	conn, local, err := e.Resolve(magg.KindTool, "calc_add")
	require.NoError(t, err)
	assert.Equal(t, "calc", conn.Name())
	assert.Equal(t, "add", local)

	_, _, err = e.Resolve(magg.KindTool, "calc_missing")
	require.ErrorIs(t, err, magg.ErrNotFound)

	_, _, err = e.Resolve(magg.KindPrompt, "calc_add")
	require.ErrorIs(t, err, magg.ErrNotFound, "kinds have separate namespaces")
}

func TestCheckProbesBackends(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.set("calc", newFakeHandle("add"))

	e := newTestEngine(opener)
	defer e.StopAll(context.Background())

	cfg := catalogOf(&config.ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "calc-mcp", Enabled: true})
	require.NoError(t, e.MountAll(context.Background(), cfg))
	waitForMounted(t, e, "calc")

	results := e.Check(context.Background())
	require.Contains(t, results, "calc")
	assert.NoError(t, results["calc"])
}
