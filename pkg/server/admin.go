package server

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/magg"
	"github.com/maggmcp/magg/pkg/proxy"
)

// registerAdminTools registers the aggregator's built-in tools. Admin tools
// carry the configurable self-prefix; the proxy tool is part of the stable
// contract and stays unprefixed.
func (s *Server) registerAdminTools() {
	selfName := func(local string) string {
		return magg.JoinName(s.settings.SelfPrefix, s.settings.PrefixSep, local)
	}

	add := func(tool mcp.Tool, handler mcpserver.ToolHandlerFunc) {
		s.builtinTools[tool.Name] = struct{}{}
		s.mcp.AddTool(tool, handler)
	}

	add(mcp.NewTool(selfName("add_server"),
		mcp.WithDescription("Add a new MCP server to the catalog and mount it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique server name.")),
		mcp.WithString("command", mcp.Description("Shell-style command to spawn a stdio server (for example 'npx @playwright/mcp@latest').")),
		mcp.WithString("uri", mcp.Description("Endpoint of an HTTP/streamable server. Exactly one of command and uri must be set.")),
		mcp.WithString("prefix", mcp.Description("Tool prefix; defaults to a sanitized form of the name. Empty string means no prefix.")),
		mcp.WithArray("args", mcp.Description("Extra command arguments.")),
		mcp.WithObject("env", mcp.Description("Environment variables for the child process.")),
		mcp.WithString("cwd", mcp.Description("Working directory for the child process.")),
		mcp.WithString("source", mcp.Description("Informational URI of where this server came from.")),
		mcp.WithString("notes", mcp.Description("Free-form setup notes.")),
	), s.handleAddServer)

	add(mcp.NewTool(selfName("remove_server"),
		mcp.WithDescription("Remove a server from the catalog and unmount it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server to remove.")),
	), s.handleRemoveServer)

	add(mcp.NewTool(selfName("enable_server"),
		mcp.WithDescription("Enable a server and mount it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server to enable.")),
	), s.handleToggleServer(true))

	add(mcp.NewTool(selfName("disable_server"),
		mcp.WithDescription("Disable a server and unmount it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server to disable.")),
	), s.handleToggleServer(false))

	add(mcp.NewTool(selfName("list_servers"),
		mcp.WithDescription("List configured servers with their mount state."),
	), s.handleListServers)

	add(mcp.NewTool(selfName("list_tools"),
		mcp.WithDescription("List aggregated tools grouped by backend server."),
	), s.handleListTools)

	add(mcp.NewTool(selfName("search_servers"),
		mcp.WithDescription("Search external registries for MCP servers."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5).")),
	), s.handleSearchServers)

	add(mcp.NewTool(selfName("smart_configure"),
		mcp.WithDescription("Use client-side sampling to derive a server configuration from a URI and add it."),
		mcp.WithString("source", mcp.Required(), mcp.Description("URI of the server's package, repository, or listing.")),
	), s.handleSmartConfigure)

	add(mcp.NewTool(selfName("analyze_servers"),
		mcp.WithDescription("Use client-side sampling to analyze the configured servers and suggest improvements."),
	), s.handleAnalyzeServers)

	add(mcp.NewTool(selfName("reload_config"),
		mcp.WithDescription("Reload the catalog from disk and apply the diff."),
	), s.handleReloadConfig)

	add(mcp.NewTool(selfName("status"),
		mcp.WithDescription("Report aggregator status: servers, mounts, notification counters."),
	), s.handleStatusTool)

	add(mcp.NewTool(selfName("check"),
		mcp.WithDescription("Health-probe every backend and report per-server results."),
		mcp.WithString("action", mcp.Description("Optional remediation: report (default), disable, or remove unhealthy servers."),
			mcp.Enum("report", "disable", "remove")),
	), s.handleCheck)

	add(mcp.NewTool(selfName("load_kit"),
		mcp.WithDescription("Load a kit: merge its servers into the catalog."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Kit to load.")),
	), s.handleLoadKit)

	add(mcp.NewTool(selfName("unload_kit"),
		mcp.WithDescription("Unload a kit: remove its servers unless another kit or the catalog still owns them."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Kit to unload.")),
	), s.handleUnloadKit)

	add(mcp.NewTool(selfName("list_kits"),
		mcp.WithDescription("List loaded and available kits."),
	), s.handleListKits)

	add(mcp.NewTool(selfName("kit_info"),
		mcp.WithDescription("Show a kit's metadata and servers."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Kit to describe.")),
	), s.handleKitInfo)

	// The proxy tool (unprefixed, stable contract).
	s.builtinTools[proxy.ToolName] = struct{}{}
	s.mcp.AddTool(s.proxy.Definition(), s.proxy.Handle)
}

func (s *Server) handleAddServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := argString(request, "name")
	if name == "" {
		return mcp.NewToolResultError("parameter 'name' is required"), nil
	}

	srv := &config.ServerConfig{
		Name:    name,
		Command: argString(request, "command"),
		URI:     argString(request, "uri"),
		Args:    argStringSlice(request, "args"),
		Env:     argStringMap(request, "env"),
		Cwd:     argString(request, "cwd"),
		Source:  argString(request, "source"),
		Notes:   argString(request, "notes"),
		Enabled: true,
	}
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		if prefix, ok := args["prefix"].(string); ok {
			srv.Prefix = &prefix
		}
	}

	err := s.mutateCatalog(ctx, func(cfg *config.Config) error {
		if _, exists := cfg.Servers[name]; exists {
			return fmt.Errorf("%w: server %q already exists", magg.ErrValidation, name)
		}
		cfg.Servers[name] = srv
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]any{
		"added":  name,
		"prefix": srv.EffectivePrefix(),
	})
}

func (s *Server) handleRemoveServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := argString(request, "name")
	if name == "" {
		return mcp.NewToolResultError("parameter 'name' is required"), nil
	}

	err := s.mutateCatalog(ctx, func(cfg *config.Config) error {
		if _, exists := cfg.Servers[name]; !exists {
			return fmt.Errorf("%w: server %q", magg.ErrNotFound, name)
		}
		delete(cfg.Servers, name)
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"removed": name})
}

func (s *Server) handleToggleServer(enable bool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := argString(request, "name")
		if name == "" {
			return mcp.NewToolResultError("parameter 'name' is required"), nil
		}

		err := s.mutateCatalog(ctx, func(cfg *config.Config) error {
			srv, exists := cfg.Servers[name]
			if !exists {
				return fmt.Errorf("%w: server %q", magg.ErrNotFound, name)
			}
			srv.Enabled = enable
			return nil
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"server": name, "enabled": enable})
	}
}

func (s *Server) handleListServers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Status())
}

func (s *Server) handleListTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ix := s.engine.Index()
	byServer := make(map[string][]string)
	for name, entry := range ix.Tools {
		byServer[entry.Server] = append(byServer[entry.Server], name)
	}
	return jsonResult(byServer)
}

func (s *Server) handleSearchServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.searcher == nil {
		return mcp.NewToolResultError("server discovery is not configured"), nil
	}
	query := argString(request, "query")
	if query == "" {
		return mcp.NewToolResultError("parameter 'query' is required"), nil
	}
	results, err := s.searcher.Search(ctx, query, argInt(request, "limit", 5))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

func (s *Server) handleReloadConfig(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	old := s.store.Current()
	cfg, err := s.store.Load()
	if err != nil {
		s.metrics.Reloads.WithLabelValues("error").Inc()
		return mcp.NewToolResultError(fmt.Sprintf("reload failed, previous catalog stays in force: %v", err)), nil
	}

	diff := config.ComputeDiff(old, cfg)
	s.kits.Sync(cfg)
	if err := s.engine.Apply(ctx, old, cfg, diff); err != nil {
		s.metrics.Reloads.WithLabelValues("error").Inc()
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.metrics.Reloads.WithLabelValues("ok").Inc()
	return jsonResult(map[string]any{"reloaded": true, "changes": diff.Summary()})
}

func (s *Server) handleStatusTool(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ix := s.engine.Index()
	return jsonResult(map[string]any{
		"servers":       s.engine.Status(),
		"mounted":       ix.Mounted,
		"tools":         len(ix.Tools),
		"resources":     len(ix.Resources) + len(ix.ResourceTemplates),
		"prompts":       len(ix.Prompts),
		"notifications": s.coord.Snapshot(),
		"readOnly":      s.store.ReadOnly(),
	})
}

func (s *Server) handleCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := argString(request, "action")
	if action == "" {
		action = "report"
	}

	results := s.engine.Check(ctx)
	report := make(map[string]string, len(results))
	var unhealthy []string
	for name, err := range results {
		if err != nil {
			report[name] = err.Error()
			unhealthy = append(unhealthy, name)
		} else {
			report[name] = "ok"
		}
	}

	var remediated []string
	if action != "report" && len(unhealthy) > 0 {
		err := s.mutateCatalog(ctx, func(cfg *config.Config) error {
			for _, name := range unhealthy {
				srv, ok := cfg.Servers[name]
				if !ok {
					continue
				}
				switch action {
				case "disable":
					srv.Enabled = false
				case "remove":
					delete(cfg.Servers, name)
				}
				remediated = append(remediated, name)
			}
			return nil
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	return jsonResult(map[string]any{
		"checked":    report,
		"action":     action,
		"remediated": remediated,
	})
}

func (s *Server) handleLoadKit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := argString(request, "name")
	if name == "" {
		return mcp.NewToolResultError("parameter 'name' is required"), nil
	}

	var loadRes any
	err := s.mutateCatalog(ctx, func(cfg *config.Config) error {
		res, err := s.kits.Load(name, cfg)
		if err != nil {
			return err
		}
		loadRes = res
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(loadRes)
}

func (s *Server) handleUnloadKit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := argString(request, "name")
	if name == "" {
		return mcp.NewToolResultError("parameter 'name' is required"), nil
	}

	var unloadRes any
	err := s.mutateCatalog(ctx, func(cfg *config.Config) error {
		res, err := s.kits.Unload(name, cfg)
		if err != nil {
			return err
		}
		unloadRes = res
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(unloadRes)
}

func (s *Server) handleListKits(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	loaded := s.kits.Loaded()
	loadedSet := make(map[string]bool, len(loaded))
	for _, name := range loaded {
		loadedSet[name] = true
	}

	out := make(map[string]any)
	for name, path := range s.kits.Discover() {
		out[name] = map[string]any{"path": path, "loaded": loadedSet[name]}
	}
	for _, name := range loaded {
		if _, ok := out[name]; !ok {
			out[name] = map[string]any{"loaded": true}
		}
	}
	return jsonResult(out)
}

func (s *Server) handleKitInfo(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := argString(request, "name")
	if name == "" {
		return mcp.NewToolResultError("parameter 'name' is required"), nil
	}
	k, loaded, err := s.kits.Get(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	servers := make([]string, 0, len(k.Servers))
	for srvName := range k.Servers {
		servers = append(servers, srvName)
	}
	return jsonResult(map[string]any{
		"name":        k.Name,
		"description": k.Description,
		"author":      k.Author,
		"version":     k.Version,
		"keywords":    k.Keywords,
		"links":       k.Links,
		"servers":     servers,
		"loaded":      loaded,
	})
}
