package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/magg"
)

// The aggregator serves two resources of its own: per-server metadata at
// magg://server/{name} and the whole catalog snapshot at magg://servers/all.

const (
	catalogResourceURI   = "magg://servers/all"
	serverResourcePrefix = "magg://server/"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.Resource{
		URI:         catalogResourceURI,
		Name:        "servers",
		Description: "Snapshot of the whole server catalog.",
		MIMEType:    "application/json",
	}, s.handleCatalogResource)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		serverResourcePrefix+"{name}",
		"server",
		mcp.WithTemplateDescription("Configuration and runtime state of one backend server."),
		mcp.WithTemplateMIMEType("application/json"),
	), s.handleServerResource)
}

func (s *Server) handleCatalogResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	cfg := s.store.Current()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleServerResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name := strings.TrimPrefix(request.Params.URI, serverResourcePrefix)
	cfg := s.store.Current()
	srv, ok := cfg.Servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %q", magg.ErrNotFound, name)
	}

	payload := map[string]any{"config": srv}
	for _, st := range s.engine.Status() {
		if st.Name == name {
			payload["status"] = st
			break
		}
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// registerPrompts registers the aggregator's own prompts: a guided
// configuration flow for adding a server.
func (s *Server) registerPrompts() {
	name := magg.JoinName(s.settings.SelfPrefix, s.settings.PrefixSep, "configure_server")
	s.builtinPrompts[name] = struct{}{}

	s.mcp.AddPrompt(mcp.Prompt{
		Name:        name,
		Description: "Guide an LLM through producing a server configuration for the catalog.",
		Arguments: []mcp.PromptArgument{
			{Name: "source", Description: "URI of the server's package, repository, or listing.", Required: true},
		},
	}, s.handleConfigurePrompt)
}

func (s *Server) handleConfigurePrompt(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	source := request.Params.Arguments["source"]
	if source == "" {
		return nil, fmt.Errorf("%w: argument 'source' is required", magg.ErrValidation)
	}

	return &mcp.GetPromptResult{
		Description: "Configure an MCP server from a source URI",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(configurePromptText(source, s.settings.SelfPrefix, s.settings.PrefixSep)),
			},
		},
	}, nil
}

func configurePromptText(source, selfPrefix, sep string) string {
	return fmt.Sprintf(`Inspect the MCP server at %q and produce a configuration for it.

Respond with a JSON object containing:
1. name: a unique, descriptive server name (letters, digits, dashes)
2. prefix: a short namespace for its tools (letters and digits only, no %q)
3. command: the full command to run it (e.g. "npx -y some-mcp"), or null for HTTP servers
4. uri: the HTTP endpoint, or null for command servers
5. notes: anything an operator should know before enabling it

Exactly one of command and uri must be set. Once you have the object, call
the %s tool to add it.`, source, sep, magg.JoinName(selfPrefix, sep, "add_server"))
}
