package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/transport"
)

// fakeHandle is an in-memory transport handle for tests.
type fakeHandle struct {
	mu       sync.Mutex
	tools    []mcp.Tool
	prompts  []mcp.Prompt
	notifyFn func(mcp.JSONRPCNotification)

	pingErr atomic.Value // error
	callErr atomic.Value // error
	closed  atomic.Bool
	callLog []string
}

func newFakeHandle(tools ...mcp.Tool) *fakeHandle {
	return &fakeHandle{tools: tools}
}

func (f *fakeHandle) setPingErr(err error) { f.pingErr.Store(&err) }
func (f *fakeHandle) setCallErr(err error) { f.callErr.Store(&err) }

func loadErr(v atomic.Value) error {
	if p, ok := v.Load().(*error); ok && p != nil {
		return *p
	}
	return nil
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
		},
	}, nil
}

func (f *fakeHandle) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if err := loadErr(f.pingErr); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListToolsResult{Tools: append([]mcp.Tool(nil), f.tools...)}, nil
}

func (f *fakeHandle) ListResources(_ context.Context, _ mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeHandle) ListResourceTemplates(_ context.Context, _ mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{}, nil
}

func (f *fakeHandle) ListPrompts(_ context.Context, _ mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListPromptsResult{Prompts: append([]mcp.Prompt(nil), f.prompts...)}, nil
}

func (f *fakeHandle) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loadErr(f.callErr); err != nil {
		return nil, err
	}
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

func (f *fakeHandle) Ping(_ context.Context) error {
	return loadErr(f.pingErr)
}

func (f *fakeHandle) OnNotification(handler func(notification mcp.JSONRPCNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyFn = handler
}

func (f *fakeHandle) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeHandle) emit(method string) {
	f.mu.Lock()
	fn := f.notifyFn
	f.mu.Unlock()
	if fn != nil {
		n := mcp.JSONRPCNotification{}
		n.Method = method
		fn(n)
	}
}

func (f *fakeHandle) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.callLog...)
}

var _ transport.Handle = (*fakeHandle)(nil)

// fakeOpener hands out fake handles by server name. A nil handle entry makes
// Open fail, simulating an unreachable backend.
type fakeOpener struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	opens   map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		handles: make(map[string]*fakeHandle),
		opens:   make(map[string]int),
	}
}

func (o *fakeOpener) set(name string, h *fakeHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles[name] = h
}

func (o *fakeOpener) openCount(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[name]
}

func (o *fakeOpener) Open(_ context.Context, cfg *config.ServerConfig) (transport.Handle, transport.Kind, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[cfg.Name]++
	h, ok := o.handles[cfg.Name]
	if !ok || h == nil {
		return nil, transport.KindStdio, fmt.Errorf("no backend behind %s", cfg.Name)
	}
	return h, transport.KindStdio, nil
}

var _ transport.Opener = (*fakeOpener)(nil)
