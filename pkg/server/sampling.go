package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

// samplingTimeout bounds how long an admin tool waits on the client-side
// model.
const samplingTimeout = 2 * time.Minute

// sample sends a sampling request back out on the initiating client session
// and returns the model's text reply. A session without sampling support
// fails with a validation-class "capability missing" error.
func (s *Server) sample(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, samplingTimeout)
	defer cancel()

	request := mcp.CreateMessageRequest{
		CreateMessageParams: mcp.CreateMessageParams{
			Messages: []mcp.SamplingMessage{
				{
					Role:    mcp.RoleUser,
					Content: mcp.NewTextContent(prompt),
				},
			},
			SystemPrompt: system,
			MaxTokens:    2048,
		},
	}

	result, err := s.mcp.RequestSampling(ctx, request)
	if err != nil {
		return "", fmt.Errorf("%w: session does not support sampling: %v", magg.ErrValidation, err)
	}

	if text, ok := mcp.AsTextContent(result.Content); ok {
		return text.Text, nil
	}
	return "", fmt.Errorf("%w: sampling reply carried no text", magg.ErrProtocol)
}

// handleSmartConfigure asks the client-side model to derive a ServerConfig
// from a source URI and adds the result to the catalog.
func (s *Server) handleSmartConfigure(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := argString(request, "source")
	if source == "" {
		return mcp.NewToolResultError("parameter 'source' is required"), nil
	}

	reply, err := s.sample(ctx,
		"You configure MCP servers. Reply with a single JSON object and nothing else.",
		configurePromptText(source, s.settings.SelfPrefix, s.settings.PrefixSep),
	)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	srv, err := parseSampledConfig(reply)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	srv.Source = source
	srv.Enabled = true

	err = s.mutateCatalog(ctx, func(cfg *config.Config) error {
		if _, exists := cfg.Servers[srv.Name]; exists {
			return fmt.Errorf("%w: server %q already exists", magg.ErrValidation, srv.Name)
		}
		cfg.Servers[srv.Name] = srv
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	logger.Infof("Smart-configured server %s from %s", srv.Name, source)
	return jsonResult(map[string]any{"added": srv.Name, "config": srv})
}

// handleAnalyzeServers asks the client-side model to review the catalog.
func (s *Server) handleAnalyzeServers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := s.store.Current()
	catalog, err := json.MarshalIndent(cfg.Servers, "", "  ")
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Review this MCP server catalog and its runtime status.

Catalog:
%s

Status:
%s

Point out misconfigurations, unhealthy servers, redundant entries, and
prefix choices that could confuse tool names. Be concise.`,
		catalog, statusSummary(s))

	reply, err := s.sample(ctx, "You are reviewing an MCP aggregator's configuration.", prompt)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(reply), nil
}

func statusSummary(s *Server) string {
	var b strings.Builder
	for _, st := range s.engine.Status() {
		fmt.Fprintf(&b, "- %s: %s", st.Name, st.State)
		if st.Error != "" {
			fmt.Fprintf(&b, " (%s)", st.Error)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(no servers)"
	}
	return b.String()
}

// parseSampledConfig extracts a ServerConfig from a model reply, tolerating
// a fenced code block around the JSON.
func parseSampledConfig(reply string) (*config.ServerConfig, error) {
	text := strings.TrimSpace(reply)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var raw struct {
		Name    string   `json:"name"`
		Prefix  *string  `json:"prefix"`
		Command string   `json:"command"`
		Args    []string `json:"args"`
		URI     string   `json:"uri"`
		Notes   string   `json:"notes"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: sampling reply is not a configuration object: %v", magg.ErrValidation, err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("%w: sampled configuration is missing a name", magg.ErrValidation)
	}

	return &config.ServerConfig{
		Name:    raw.Name,
		Prefix:  raw.Prefix,
		Command: raw.Command,
		Args:    raw.Args,
		URI:     raw.URI,
		Notes:   raw.Notes,
	}, nil
}
