package mount

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/transport"
)

// fakeHandle is a minimal in-memory backend for engine tests.
type fakeHandle struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	prompts []mcp.Prompt
	rsrcs   []mcp.Resource
	callLog []string
}

func newFakeHandle(toolNames ...string) *fakeHandle {
	h := &fakeHandle{}
	for _, name := range toolNames {
		h.tools = append(h.tools, mcp.Tool{Name: name, Description: "tool " + name})
	}
	return h
}

func (f *fakeHandle) Initialize(_ context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
			Prompts: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
			Resources: &struct {
				Subscribe   bool `json:"subscribe,omitempty"`
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
		},
	}, nil
}

func (f *fakeHandle) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListToolsResult{Tools: append([]mcp.Tool(nil), f.tools...)}, nil
}

func (f *fakeHandle) ListResources(_ context.Context, _ mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListResourcesResult{Resources: append([]mcp.Resource(nil), f.rsrcs...)}, nil
}

func (f *fakeHandle) ListResourceTemplates(_ context.Context, _ mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{}, nil
}

func (f *fakeHandle) ListPrompts(_ context.Context, _ mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListPromptsResult{Prompts: append([]mcp.Prompt(nil), f.prompts...)}, nil
}

func (f *fakeHandle) CallTool(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.callLog = append(f.callLog, request.Params.Name)
	f.mu.Unlock()
	return mcp.NewToolResultText("ok:" + request.Params.Name), nil
}

func (f *fakeHandle) ReadResource(_ context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: request.Params.URI, MIMEType: "text/plain", Text: "data"},
		},
	}, nil
}

func (f *fakeHandle) GetPrompt(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: request.Params.Name}, nil
}

func (f *fakeHandle) Ping(_ context.Context) error { return nil }

func (f *fakeHandle) OnNotification(_ func(notification mcp.JSONRPCNotification)) {}

func (f *fakeHandle) Close() error { return nil }

func (f *fakeHandle) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.callLog...)
}

var _ transport.Handle = (*fakeHandle)(nil)

// fakeOpener maps server names to fake handles.
type fakeOpener struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{handles: make(map[string]*fakeHandle)}
}

func (o *fakeOpener) set(name string, h *fakeHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles[name] = h
}

func (o *fakeOpener) Open(_ context.Context, cfg *config.ServerConfig) (transport.Handle, transport.Kind, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[cfg.Name]
	if !ok {
		return nil, transport.KindStdio, fmt.Errorf("no backend behind %s", cfg.Name)
	}
	return h, transport.KindStdio, nil
}

var _ transport.Opener = (*fakeOpener)(nil)
