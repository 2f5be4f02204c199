package mount

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/backend"
	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
	"github.com/maggmcp/magg/pkg/notify"
	"github.com/maggmcp/magg/pkg/transport"
)

// teardownTimeout bounds how long Apply waits for one backend to stop.
const teardownTimeout = 10 * time.Second

// ReindexFunc is invoked with the fresh index snapshot after every reindex,
// outside the engine's locks. The aggregator server uses it to sync its SDK
// capability registrations.
type ReindexFunc func(ix *Index)

// Engine maintains the server-name → backend-connection map, applies catalog
// diffs transactionally, and routes calls through aggregated names.
type Engine struct {
	sep     string
	opener  transport.Opener
	coord   *notify.Coordinator
	opts    backend.Options
	reindex ReindexFunc

	// applyMu serializes Apply with itself: one reconfigure at a time.
	applyMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*backend.Connection
	order []string
	gen   uint64

	index atomic.Pointer[Index]

	baseCtx context.Context
}

// NewEngine creates a mount engine. The coordinator may be nil in tests.
func NewEngine(sep string, opener transport.Opener, coord *notify.Coordinator, opts backend.Options, reindex ReindexFunc) *Engine {
	e := &Engine{
		sep:     sep,
		opener:  opener,
		coord:   coord,
		opts:    opts,
		reindex: reindex,
		conns:   make(map[string]*backend.Connection),
		baseCtx: context.Background(),
	}
	e.index.Store(newIndex(0))
	return e
}

// Start fixes the context backend connections inherit.
func (e *Engine) Start(ctx context.Context) {
	e.baseCtx = ctx
}

// Index returns the current aggregated capability snapshot.
func (e *Engine) Index() *Index {
	return e.index.Load()
}

// Connection returns the live connection for a server name.
func (e *Engine) Connection(name string) (*backend.Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[name]
	return c, ok
}

// Servers returns the connected server names in precedence order.
func (e *Engine) Servers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// MountAll brings up every enabled server of the catalog. Used at startup.
func (e *Engine) MountAll(ctx context.Context, cfg *config.Config) error {
	return e.Apply(ctx, nil, cfg, config.ComputeDiff(nil, cfg))
}

// Apply reconfigures the engine transactionally. Order: teardown removed,
// teardown updated, bring up toggled-on and added, re-index. Backends whose
// bring-up fails converge to FAILED and are recorded; the catalog itself
// stays valid. Apply is serialized with itself but runs concurrently with
// in-flight calls; calls racing a removal fail with ErrBackendGone.
func (e *Engine) Apply(ctx context.Context, _, new *config.Config, diff *config.Diff) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if new == nil {
		new = config.NewConfig()
	}

	// Teardown: removed servers first, then updated ones (their kit
	// ownership lives in the catalog and is preserved across remounts).
	for _, name := range diff.Removed {
		e.teardown(ctx, name)
	}
	for _, name := range diff.Updated {
		e.teardown(ctx, name)
	}
	for _, name := range diff.Toggled {
		if srv, ok := new.Servers[name]; ok && !srv.Enabled {
			e.teardown(ctx, name)
		}
	}

	// Bring-up: added, updated, and toggled-on servers.
	var bringUp []string
	bringUp = append(bringUp, diff.Added...)
	bringUp = append(bringUp, diff.Updated...)
	for _, name := range diff.Toggled {
		if srv, ok := new.Servers[name]; ok && srv.Enabled {
			bringUp = append(bringUp, name)
		}
	}
	sort.Strings(bringUp)

	for _, name := range bringUp {
		srv, ok := new.Servers[name]
		if !ok || !srv.Enabled {
			continue
		}
		e.bringUp(name, srv)
	}

	// Precedence follows catalog order. The serialized catalog is a JSON
	// object, so order is lexicographic by name; ties cannot occur.
	e.mu.Lock()
	e.order = nil
	for _, name := range new.ServerNames() {
		if _, ok := e.conns[name]; ok {
			e.order = append(e.order, name)
		}
	}
	e.mu.Unlock()

	e.Reindex()

	// A reconfigure always warrants telling clients to re-list tools,
	// even when the aggregated surface ends up identical (for example a
	// collided backend failing to mount). Kind-level changes were already
	// emitted by Reindex; coalescing collapses the overlap.
	if e.coord != nil && !diff.Empty() {
		e.coord.EmitListChanged(magg.NotifyToolsChanged)
	}

	return nil
}

func (e *Engine) teardown(ctx context.Context, name string) {
	e.mu.Lock()
	conn, ok := e.conns[name]
	if ok {
		delete(e.conns, name)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	conn.Stop(stopCtx)
	logger.Infof("Unmounted server %s", name)
}

func (e *Engine) bringUp(name string, srv *config.ServerConfig) {
	conn := backend.New(srv, e.opener, e.opts, e.publish, e.onBackendEvent)

	e.mu.Lock()
	e.conns[name] = conn
	e.mu.Unlock()

	conn.Start(e.baseCtx)
	logger.Infof("Mounting server %s (prefix %q)", name, srv.EffectivePrefix())
}

func (e *Engine) publish(env magg.Envelope) {
	if e.coord != nil {
		e.coord.Publish(env)
	}
}

// onBackendEvent fires on every backend state transition or capability
// refresh. Entering or leaving RUNNING changes the aggregated surface, so
// the engine re-indexes.
func (e *Engine) onBackendEvent(_ string, _ magg.State) {
	e.Reindex()
}

// Reindex rebuilds the aggregated index from the current connection
// snapshots and swaps it in atomically. Backends whose aggregated names
// collide with an earlier backend are excluded wholesale and recorded with a
// collision error; earlier is catalog order.
func (e *Engine) Reindex() {
	e.mu.Lock()
	order := make([]string, len(e.order))
	copy(order, e.order)
	conns := make(map[string]*backend.Connection, len(e.conns))
	for name, conn := range e.conns {
		conns[name] = conn
	}
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	prev := e.index.Load()
	ix := newIndex(gen)

	for _, name := range order {
		conn := conns[name]
		if conn == nil {
			// Torn down by a concurrent Apply before order was rebuilt.
			continue
		}
		state, _ := conn.State()
		if state != magg.StateRunning {
			continue
		}
		caps := conn.Capabilities()
		if caps == nil {
			continue
		}
		prefix := conn.Config().EffectivePrefix()
		if err := e.claim(ix, name, prefix, caps); err != nil {
			ix.Collided[name] = err
			logger.Warnf("Server %s blocked from mounting: %v", name, err)
		} else {
			ix.Mounted = append(ix.Mounted, name)
		}
	}

	e.index.Store(ix)

	if e.reindex != nil {
		e.reindex(ix)
	}

	if e.coord != nil && prev != nil {
		var changed []magg.NotificationKind
		if prev.signature(magg.KindTool) != ix.signature(magg.KindTool) {
			changed = append(changed, magg.NotifyToolsChanged)
		}
		if prev.signature(magg.KindResource) != ix.signature(magg.KindResource) {
			changed = append(changed, magg.NotifyResourcesChanged)
		}
		if prev.signature(magg.KindPrompt) != ix.signature(magg.KindPrompt) {
			changed = append(changed, magg.NotifyPromptsChanged)
		}
		if len(changed) > 0 {
			e.coord.EmitListChanged(changed...)
		}
	}
}

// claim registers every capability of one backend into the index, or reports
// a collision without touching the index at all. A backend mounts completely
// or not at all.
func (e *Engine) claim(ix *Index, server, prefix string, caps *magg.Capabilities) error {
	for _, tool := range caps.Tools {
		agg := magg.JoinName(prefix, e.sep, tool.Name)
		if prevEntry, ok := ix.Tools[agg]; ok {
			return fmt.Errorf("%w: tool %q already served by %s", magg.ErrCollision, agg, prevEntry.Server)
		}
	}
	for _, res := range caps.Resources {
		if prevEntry, ok := ix.Resources[res.URI]; ok {
			return fmt.Errorf("%w: resource %q already served by %s", magg.ErrCollision, res.URI, prevEntry.Server)
		}
	}
	for _, prompt := range caps.Prompts {
		agg := magg.JoinName(prefix, e.sep, prompt.Name)
		if prevEntry, ok := ix.Prompts[agg]; ok {
			return fmt.Errorf("%w: prompt %q already served by %s", magg.ErrCollision, agg, prevEntry.Server)
		}
	}

	for _, tool := range caps.Tools {
		agg := magg.JoinName(prefix, e.sep, tool.Name)
		def := tool
		def.Name = agg
		ix.Tools[agg] = &ToolEntry{Server: server, Local: tool.Name, Def: def}
	}
	for _, res := range caps.Resources {
		ix.Resources[res.URI] = &ResourceEntry{Server: server, Def: res}
	}
	for _, tmpl := range caps.ResourceTemplates {
		if tmpl.URITemplate == nil {
			continue
		}
		uri := tmpl.URITemplate.Raw()
		if _, ok := ix.ResourceTemplates[uri]; !ok {
			ix.ResourceTemplates[uri] = &TemplateEntry{Server: server, Def: tmpl}
		}
	}
	for _, prompt := range caps.Prompts {
		agg := magg.JoinName(prefix, e.sep, prompt.Name)
		def := prompt
		def.Name = agg
		ix.Prompts[agg] = &PromptEntry{Server: server, Local: prompt.Name, Def: def}
	}

	return nil
}

// Resolve maps an aggregated name (or resource URI) to its owning backend
// and the backend-local name.
func (e *Engine) Resolve(kind magg.CapabilityKind, name string) (*backend.Connection, string, error) {
	ix := e.Index()

	var server, local string
	switch kind {
	case magg.KindTool:
		entry, ok := ix.Tools[name]
		if !ok {
			return nil, "", fmt.Errorf("%w: tool %q", magg.ErrNotFound, name)
		}
		server, local = entry.Server, entry.Local
	case magg.KindResource:
		entry, ok := ix.Resources[name]
		if !ok {
			return nil, "", fmt.Errorf("%w: resource %q", magg.ErrNotFound, name)
		}
		server, local = entry.Server, entry.Def.URI
	case magg.KindPrompt:
		entry, ok := ix.Prompts[name]
		if !ok {
			return nil, "", fmt.Errorf("%w: prompt %q", magg.ErrNotFound, name)
		}
		server, local = entry.Server, entry.Local
	default:
		return nil, "", fmt.Errorf("%w: unknown capability kind %q", magg.ErrValidation, kind)
	}

	conn, ok := e.Connection(server)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", magg.ErrBackendGone, server)
	}
	return conn, local, nil
}

// CallTool routes an aggregated tool call to the owning backend's request
// queue. Cancellation propagates through ctx into the downstream call.
func (e *Engine) CallTool(ctx context.Context, name string, args map[string]any, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	conn, local, err := e.Resolve(magg.KindTool, name)
	if err != nil {
		return nil, err
	}

	var result *mcp.CallToolResult
	err = conn.Do(ctx, func(ctx context.Context, h transport.Handle) error {
		req := mcp.CallToolRequest{}
		req.Params.Name = local
		req.Params.Arguments = args
		req.Params.Meta = meta
		var callErr error
		result, callErr = h.CallTool(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReadResource routes a resource read to the owning backend.
func (e *Engine) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	conn, local, err := e.Resolve(magg.KindResource, uri)
	if err != nil {
		return nil, err
	}

	var result *mcp.ReadResourceResult
	err = conn.Do(ctx, func(ctx context.Context, h transport.Handle) error {
		req := mcp.ReadResourceRequest{}
		req.Params.URI = local
		var readErr error
		result, readErr = h.ReadResource(ctx, req)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetPrompt routes an aggregated prompt request to the owning backend.
func (e *Engine) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	conn, local, err := e.Resolve(magg.KindPrompt, name)
	if err != nil {
		return nil, err
	}

	var result *mcp.GetPromptResult
	err = conn.Do(ctx, func(ctx context.Context, h transport.Handle) error {
		req := mcp.GetPromptRequest{}
		req.Params.Name = local
		req.Params.Arguments = args
		var getErr error
		result, getErr = h.GetPrompt(ctx, req)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ServerStatus is one backend's runtime status for admin reporting.
type ServerStatus struct {
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	Enabled   bool       `json:"enabled"`
	State     magg.State `json:"state"`
	Error     string     `json:"error,omitempty"`
	Mounted   bool       `json:"mounted"`
	Tools     int        `json:"tools"`
	Resources int        `json:"resources"`
	Prompts   int        `json:"prompts"`
	HealthyAt time.Time  `json:"healthyAt,omitzero"`
}

// Status reports every connection's state, folding in mount-level collision
// failures.
func (e *Engine) Status() []ServerStatus {
	e.mu.Lock()
	order := make([]string, len(e.order))
	copy(order, e.order)
	conns := make(map[string]*backend.Connection, len(e.conns))
	for name, conn := range e.conns {
		conns[name] = conn
	}
	e.mu.Unlock()

	ix := e.Index()
	mounted := make(map[string]bool, len(ix.Mounted))
	for _, name := range ix.Mounted {
		mounted[name] = true
	}

	var out []ServerStatus
	for _, name := range order {
		conn := conns[name]
		if conn == nil {
			continue
		}
		state, lastErr := conn.State()
		st := ServerStatus{
			Name:      name,
			Prefix:    conn.Config().EffectivePrefix(),
			Enabled:   conn.Config().Enabled,
			State:     state,
			Mounted:   mounted[name],
			HealthyAt: conn.HealthyAt(),
		}
		if collisionErr, ok := ix.Collided[name]; ok {
			st.State = magg.StateFailed
			st.Error = collisionErr.Error()
		} else if lastErr != nil {
			st.Error = lastErr.Error()
		}
		if caps := conn.Capabilities(); caps != nil {
			st.Tools = len(caps.Tools)
			st.Resources = len(caps.Resources) + len(caps.ResourceTemplates)
			st.Prompts = len(caps.Prompts)
		}
		out = append(out, st)
	}
	return out
}

// Check health-probes every connection and returns per-server results.
// Failed backends get a retry nudge so a recovered process can remount.
func (e *Engine) Check(ctx context.Context) map[string]error {
	e.mu.Lock()
	conns := make(map[string]*backend.Connection, len(e.conns))
	for name, conn := range e.conns {
		conns[name] = conn
	}
	e.mu.Unlock()

	results := make(map[string]error, len(conns))
	for name, conn := range conns {
		state, lastErr := conn.State()
		switch state {
		case magg.StateRunning, magg.StateDegraded:
			results[name] = conn.Probe(ctx)
		case magg.StateFailed:
			results[name] = lastErr
			conn.Retry()
		default:
			results[name] = fmt.Errorf("%w: state %s", magg.ErrTransport, state)
		}
	}
	return results
}

// StopAll tears down every connection. Used at shutdown.
func (e *Engine) StopAll(ctx context.Context) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	conns := make([]*backend.Connection, 0, len(e.conns))
	for _, conn := range e.conns {
		conns = append(conns, conn)
	}
	e.conns = make(map[string]*backend.Connection)
	e.order = nil
	e.mu.Unlock()

	for _, conn := range conns {
		stopCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
		conn.Stop(stopCtx)
		cancel()
	}
	e.index.Store(newIndex(0))
}
