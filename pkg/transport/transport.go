// Package transport selects and opens the concrete MCP transport for a
// catalog entry: a child process speaking stdio, an HTTP/streamable endpoint,
// or the reserved in-process transport the aggregator uses to introspect its
// own surface.
package transport

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Kind identifies the concrete transport behind a handle.
type Kind string

const (
	// KindStdio is a child process speaking MCP over stdio.
	KindStdio Kind = "stdio"

	// KindStreamableHTTP is a remote or local HTTP/streamable endpoint.
	KindStreamableHTTP Kind = "streamable-http"

	// KindInProcess is the reserved transport the aggregator uses to talk
	// to itself without a network hop.
	KindInProcess Kind = "in-process"
)

// EnvMode controls environment inheritance for stdio subprocesses.
type EnvMode string

const (
	// EnvExplicit passes only the variables from the server config.
	EnvExplicit EnvMode = "explicit"

	// EnvInherit overlays the server config's variables on the
	// aggregator's own environment. Opt-in at process start.
	EnvInherit EnvMode = "inherit"
)

// Handle is the uniform request/notification surface over one backend
// connection, independent of the transport behind it. *client.Client from
// mcp-go satisfies it for every transport kind.
type Handle interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, request mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}
