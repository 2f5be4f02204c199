// Package server implements the outward-facing MCP aggregator server.
//
// It hosts the built-in admin tools, the proxy tool, and the aggregated
// capability surface; multiplexes client sessions; and wires the config
// store, watcher, kit loader, mount engine, and notification coordinator
// together into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/maggmcp/magg/pkg/auth"
	"github.com/maggmcp/magg/pkg/backend"
	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/kit"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
	"github.com/maggmcp/magg/pkg/mount"
	"github.com/maggmcp/magg/pkg/notify"
	"github.com/maggmcp/magg/pkg/proxy"
	"github.com/maggmcp/magg/pkg/telemetry"
	"github.com/maggmcp/magg/pkg/transport"
)

const (
	serverVersion = "0.1.0"

	// defaultReadHeaderTimeout prevents slowloris attacks by limiting the
	// time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultShutdownTimeout is the maximum time to wait for graceful
	// shutdown of the HTTP listener.
	defaultShutdownTimeout = 10 * time.Second
)

// Searcher is the discovery collaborator behind the search_servers admin
// tool. Online registry search lives outside the aggregator; only the
// interface matters here.
type Searcher interface {
	// Search queries external registries for MCP servers matching the
	// query and returns opaque JSON-encodable results.
	Search(ctx context.Context, query string, limit int) ([]map[string]any, error)
}

// Server is the aggregator process: one MCP server multiplexing every
// mounted backend.
type Server struct {
	settings *config.Settings
	store    *config.Store
	kits     *kit.Loader
	authmgr  *auth.Manager
	metrics  *telemetry.Metrics
	searcher Searcher

	mcp      *mcpserver.MCPServer
	selector *transport.Selector
	coord    *notify.Coordinator
	engine   *mount.Engine
	watcher  *config.Watcher
	proxy    *proxy.Proxy

	baseCtx context.Context

	// regTools, regResources and regPrompts track SDK registrations owned by
	// the reindex sync, so
	// built-in tools are never swept away.
	regMu          sync.Mutex
	regTools       map[string]struct{}
	regResources   map[string]struct{}
	regPrompts     map[string]struct{}
	builtinTools   map[string]struct{}
	builtinPrompts map[string]struct{}

	// applyMu serializes catalog mutations from admin tools and reloads.
	applyMu sync.Mutex

	// setupOnce makes Setup idempotent so hybrid serving (stdio + HTTP
	// against one instance) mounts backends exactly once.
	setupOnce sync.Once
	setupErr  error
}

// Option configures the server.
type Option func(*Server)

// WithSearcher plugs in the discovery collaborator.
func WithSearcher(s Searcher) Option {
	return func(srv *Server) { srv.searcher = s }
}

// WithAuthManager overrides the auth manager (used by tests).
func WithAuthManager(m *auth.Manager) Option {
	return func(srv *Server) { srv.authmgr = m }
}

// New assembles an aggregator server from process settings.
func New(settings *config.Settings, opts ...Option) (*Server, error) {
	s := &Server{
		settings:       settings,
		store:          config.NewStore(settings.ConfigPath, settings.PrefixSep, settings.ReadOnly),
		kits:           kit.NewLoader(settings.KitPaths),
		metrics:        telemetry.NewMetrics(),
		regTools:       make(map[string]struct{}),
		regResources:   make(map[string]struct{}),
		regPrompts:     make(map[string]struct{}),
		builtinTools:   make(map[string]struct{}),
		builtinPrompts: make(map[string]struct{}),
		baseCtx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.authmgr == nil {
		mgr, err := auth.NewManager(authDir(settings), settings.PrivateKey)
		if err != nil {
			return nil, err
		}
		s.authmgr = mgr
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		s.coord.Attach(s.baseCtx, session.SessionID())
		logger.Debugf("Client session attached: %s", session.SessionID())
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		s.coord.Detach(session.SessionID())
		logger.Debugf("Client session detached: %s", session.SessionID())
	})

	s.mcp = mcpserver.NewMCPServer(
		"magg",
		serverVersion,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithLogging(),
		mcpserver.WithHooks(hooks),
	)
	s.mcp.EnableSampling()

	s.selector = transport.NewSelector(
		transport.WithEnvMode(envModeOf(settings)),
		transport.WithStderr(settings.ShowStderr),
		transport.WithBearerToken(settings.JWT),
		transport.WithSelfServer(s.mcp),
	)

	s.coord = notify.NewCoordinator(&sdkSender{mcp: s.mcp, metrics: s.metrics},
		notify.WithLogLimit(settings.LogRatePerSecond, settings.LogBurst),
	)

	s.engine = mount.NewEngine(settings.PrefixSep, s.selector, s.coord, backend.Options{}, s.syncCapabilities)

	s.proxy = proxy.New(s.selector)

	s.watcher = config.NewWatcher(s.store, settings.ReloadUseWatchdog, settings.ReloadPollInterval, s.onCatalogReload)

	s.registerAdminTools()
	s.registerResources()
	s.registerPrompts()

	return s, nil
}

// Engine exposes the mount engine, mainly for tests and the CLI status path.
func (s *Server) Engine() *mount.Engine {
	return s.engine
}

// Store exposes the config store.
func (s *Server) Store() *config.Store {
	return s.store
}

// MCP exposes the underlying SDK server.
func (s *Server) MCP() *mcpserver.MCPServer {
	return s.mcp
}

// Setup loads the catalog, mounts every enabled backend, and starts the
// watcher and coordinator. A failure to read the catalog at startup is
// fatal; the caller exits non-zero. Setup is idempotent.
func (s *Server) Setup(ctx context.Context) error {
	s.setupOnce.Do(func() {
		s.setupErr = s.setup(ctx)
	})
	return s.setupErr
}

func (s *Server) setup(ctx context.Context) error {
	s.baseCtx = ctx

	cfg, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	s.kits.Sync(cfg)
	s.coord.Start(ctx)
	s.engine.Start(ctx)

	if err := s.engine.MountAll(ctx, cfg); err != nil {
		return err
	}

	if s.settings.AutoReload {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
	}

	logger.Infow("magg ready",
		"servers", len(cfg.Servers),
		"config", s.store.Path(),
		"readOnly", s.store.ReadOnly(),
		"auth", s.authmgr.Enabled())
	return nil
}

// Shutdown tears down backends and the watcher.
func (s *Server) Shutdown(ctx context.Context) {
	s.watcher.Stop()
	s.engine.StopAll(ctx)
	s.coord.Stop()
}

// ServeStdio serves the MCP protocol over the process's stdio until ctx is
// cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	defer s.Shutdown(context.Background())

	stdio := mcpserver.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves the MCP protocol over streamable HTTP on host:port, with
// health, status, and metrics endpoints alongside. A failure to bind the
// listener is fatal.
func (s *Server) ServeHTTP(ctx context.Context, host string, port int) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	defer s.Shutdown(context.Background())

	streamable := mcpserver.NewStreamableHTTPServer(s.mcp,
		mcpserver.WithEndpointPath("/mcp"),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Route("/mcp", func(r chi.Router) {
		r.Use(s.authmgr.Middleware)
		r.Handle("/*", streamable)
		r.Handle("/", streamable)
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Serving MCP over HTTP at http://%s/mcp", addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("binding listener on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"servers":       s.engine.Status(),
		"notifications": s.coord.Snapshot(),
		"readOnly":      s.store.ReadOnly(),
	})
}

// syncCapabilities reconciles the SDK's registered tools, resources, and
// prompts with a fresh index snapshot. List-change notifications toward
// clients stay under the coordinator's control: the SDK registrations here
// never emit their own.
func (s *Server) syncCapabilities(ix *mount.Index) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	// Tools.
	var staleTools []string
	for name := range s.regTools {
		if _, ok := ix.Tools[name]; !ok {
			staleTools = append(staleTools, name)
		}
	}
	for _, name := range staleTools {
		delete(s.regTools, name)
	}
	if len(staleTools) > 0 {
		s.mcp.DeleteTools(staleTools...)
	}
	for name, entry := range ix.Tools {
		if _, ok := s.regTools[name]; ok {
			continue
		}
		if _, builtin := s.builtinTools[name]; builtin {
			logger.Warnf("Aggregated tool %s shadows a built-in tool, skipping", name)
			continue
		}
		s.regTools[name] = struct{}{}
		s.mcp.AddTool(entry.Def, s.forwardToolHandler(name))
	}

	// Resources.
	var staleResources []string
	for uri := range s.regResources {
		if _, ok := ix.Resources[uri]; !ok {
			staleResources = append(staleResources, uri)
		}
	}
	for _, uri := range staleResources {
		delete(s.regResources, uri)
		s.mcp.RemoveResource(uri)
	}
	for uri, entry := range ix.Resources {
		if _, ok := s.regResources[uri]; ok {
			continue
		}
		s.regResources[uri] = struct{}{}
		s.mcp.AddResource(entry.Def, s.forwardResourceHandler(uri))
	}

	// Prompts.
	var stalePrompts []string
	for name := range s.regPrompts {
		if _, ok := ix.Prompts[name]; !ok {
			stalePrompts = append(stalePrompts, name)
		}
	}
	for _, name := range stalePrompts {
		delete(s.regPrompts, name)
	}
	if len(stalePrompts) > 0 {
		s.mcp.DeletePrompts(stalePrompts...)
	}
	for name, entry := range ix.Prompts {
		if _, ok := s.regPrompts[name]; ok {
			continue
		}
		if _, builtin := s.builtinPrompts[name]; builtin {
			continue
		}
		s.regPrompts[name] = struct{}{}
		s.mcp.AddPrompt(entry.Def, s.forwardPromptHandler(name))
	}

	s.metrics.MountedBackends.Set(float64(len(ix.Mounted)))
}

// forwardToolHandler routes an aggregated tool call through the mount
// engine to the owning backend, registering any progress token so that
// progress notifications find their way back to the issuing session.
func (s *Server) forwardToolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)

		if token := progressTokenOf(request.Params.Meta); token != "" {
			if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
				s.coord.RegisterProgress(token, session.SessionID())
				defer s.coord.ReleaseProgress(token)
			}
		}

		result, err := s.engine.CallTool(ctx, name, args, request.Params.Meta)
		server := serverOf(s.engine, magg.KindTool, name)
		if err != nil {
			s.metrics.ToolCalls.WithLabelValues(server, "error").Inc()
			if errors.Is(err, magg.ErrNotFound) || errors.Is(err, magg.ErrBackendGone) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return nil, err
		}
		s.metrics.ToolCalls.WithLabelValues(server, "ok").Inc()
		return result, nil
	}
}

func (s *Server) forwardResourceHandler(uri string) mcpserver.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := s.engine.ReadResource(ctx, uri)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (s *Server) forwardPromptHandler(name string) mcpserver.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return s.engine.GetPrompt(ctx, name, request.Params.Arguments)
	}
}

// onCatalogReload is the watcher callback: the diff of an externally edited
// catalog is applied to the mount engine.
func (s *Server) onCatalogReload(ctx context.Context, old, new *config.Config, diff *config.Diff) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.kits.Sync(new)
	if err := s.engine.Apply(ctx, old, new, diff); err != nil {
		s.metrics.Reloads.WithLabelValues("error").Inc()
		logger.Errorf("Applying reloaded catalog: %v", err)
		return
	}
	s.metrics.Reloads.WithLabelValues("ok").Inc()
}

// mutateCatalog clones the current catalog, applies edit, persists it (save
// first, so read-only mode rejects before anything changes), and applies the
// diff to the mount engine.
func (s *Server) mutateCatalog(ctx context.Context, edit func(cfg *config.Config) error) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if s.store.ReadOnly() {
		return fmt.Errorf("%w: catalog mutations are disabled", magg.ErrReadOnly)
	}

	old := s.store.Current()
	next := old.Clone()
	if err := edit(next); err != nil {
		return err
	}

	s.watcher.IgnoreNextChange()
	if err := s.store.Save(next); err != nil {
		return err
	}

	return s.engine.Apply(ctx, old, next, config.ComputeDiff(old, next))
}

// sdkSender delivers coordinator notifications through the SDK to one
// session.
type sdkSender struct {
	mcp     *mcpserver.MCPServer
	metrics *telemetry.Metrics
}

func (s *sdkSender) Send(_ context.Context, sessionID, method string, params map[string]any) error {
	err := s.mcp.SendNotificationToSpecificClient(sessionID, method, params)
	if err == nil && s.metrics != nil {
		s.metrics.NotificationsDispatched.WithLabelValues(method).Inc()
	}
	return err
}

func progressTokenOf(meta *mcp.Meta) string {
	if meta == nil || meta.ProgressToken == nil {
		return ""
	}
	return fmt.Sprintf("%v", meta.ProgressToken)
}

func serverOf(engine *mount.Engine, kind magg.CapabilityKind, name string) string {
	if conn, _, err := engine.Resolve(kind, name); err == nil {
		return conn.Name()
	}
	return "unknown"
}

func envModeOf(settings *config.Settings) transport.EnvMode {
	if settings.EnvInherit {
		return transport.EnvInherit
	}
	return transport.EnvExplicit
}

func authDir(settings *config.Settings) string {
	return filepath.Dir(settings.ConfigPath)
}
