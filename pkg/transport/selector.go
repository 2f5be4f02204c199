package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

// defaultHTTPTimeout bounds individual HTTP requests to backends.
const defaultHTTPTimeout = 30 * time.Second

// Opener opens a transport handle for a catalog entry. The backend
// connection depends on this interface so tests can substitute fakes.
type Opener interface {
	// Open selects the transport for cfg, establishes it, and returns a
	// started (but not yet initialized) handle.
	Open(ctx context.Context, cfg *config.ServerConfig) (Handle, Kind, error)
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithEnvMode sets the environment inheritance mode for stdio subprocesses.
func WithEnvMode(mode EnvMode) SelectorOption {
	return func(s *Selector) { s.envMode = mode }
}

// WithStderr forwards child-process stderr to the aggregator log instead of
// discarding it.
func WithStderr(show bool) SelectorOption {
	return func(s *Selector) { s.showStderr = show }
}

// WithBearerToken attaches a bearer token to every HTTP backend request.
func WithBearerToken(token string) SelectorOption {
	return func(s *Selector) { s.bearerToken = token }
}

// WithSelfServer registers the aggregator's own MCP server for the
// in-process transport.
func WithSelfServer(srv *server.MCPServer) SelectorOption {
	return func(s *Selector) { s.self = srv }
}

// Selector maps a ServerConfig to a concrete transport handle. It is the
// only place transport selection logic lives; everything downstream works
// against Handle.
type Selector struct {
	envMode     EnvMode
	showStderr  bool
	bearerToken string
	self        *server.MCPServer
}

// NewSelector creates a transport selector.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{envMode: EnvExplicit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the transport kind a config maps to without opening it.
func (*Selector) Select(cfg *config.ServerConfig) (Kind, error) {
	switch {
	case cfg.Command != "":
		return KindStdio, nil
	case strings.HasPrefix(cfg.URI, "http://"), strings.HasPrefix(cfg.URI, "https://"):
		return KindStreamableHTTP, nil
	case cfg.URI != "":
		return "", fmt.Errorf("%w: server %q: unsupported uri scheme in %q", magg.ErrValidation, cfg.Name, cfg.URI)
	default:
		return "", fmt.Errorf("%w: server %q has neither command nor uri", magg.ErrValidation, cfg.Name)
	}
}

// Open implements Opener.
func (s *Selector) Open(ctx context.Context, cfg *config.ServerConfig) (Handle, Kind, error) {
	kind, err := s.Select(cfg)
	if err != nil {
		return nil, "", err
	}

	var c *client.Client
	switch kind {
	case KindStdio:
		c, err = s.openStdio(cfg)
	case KindStreamableHTTP:
		c, err = s.openStreamable(cfg)
	default:
		return nil, "", fmt.Errorf("%w: unsupported transport kind %q", magg.ErrValidation, kind)
	}
	if err != nil {
		return nil, kind, err
	}

	if err := c.Start(ctx); err != nil {
		return nil, kind, fmt.Errorf("%w: starting %s transport for %s: %v", magg.ErrTransport, kind, cfg.Name, err)
	}
	return c, kind, nil
}

// OpenSelf returns an in-process handle onto the aggregator's own server.
// The proxy tool uses this to introspect the aggregated surface without a
// network hop.
func (s *Selector) OpenSelf(ctx context.Context) (Handle, error) {
	if s.self == nil {
		return nil, fmt.Errorf("%w: in-process transport not configured", magg.ErrValidation)
	}
	c, err := client.NewInProcessClient(s.self)
	if err != nil {
		return nil, fmt.Errorf("%w: creating in-process client: %v", magg.ErrTransport, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: starting in-process client: %v", magg.ErrTransport, err)
	}
	return c, nil
}

func (s *Selector) openStdio(cfg *config.ServerConfig) (*client.Client, error) {
	argv, err := SplitCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	argv = append(argv, cfg.Args...)

	env := s.subprocessEnv(cfg)
	name := cfg.Name
	showStderr := s.showStderr
	cwd := cfg.Cwd

	// The command func owns process construction so the environment
	// policy, working directory, and stderr disposition are applied
	// exactly once, here.
	commandFunc := func(ctx context.Context, _ string, _ []string, _ []string) (*exec.Cmd, error) {
		//nolint:gosec // argv comes from the operator's own catalog.
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = env
		cmd.Dir = cwd
		if showStderr {
			// StderrPipe ties the pipe's lifecycle to the command:
			// Wait closes it, which ends the scan goroutine. A
			// caller-supplied Writer would never be closed by
			// os/exec and would leak the reader on every reconnect.
			stderr, err := cmd.StderrPipe()
			if err != nil {
				return nil, fmt.Errorf("%w: capturing stderr for %s: %v", magg.ErrTransport, name, err)
			}
			go logStderr(name, stderr)
		} else {
			cmd.Stderr = io.Discard
		}
		return cmd, nil
	}

	t := mcptransport.NewStdioWithOptions(argv[0], env, argv[1:],
		mcptransport.WithCommandFunc(commandFunc))
	return client.NewClient(t), nil
}

func (s *Selector) openStreamable(cfg *config.ServerConfig) (*client.Client, error) {
	headers := make(map[string]string)
	if s.bearerToken != "" {
		headers["Authorization"] = "Bearer " + s.bearerToken
	}
	if raw, ok := cfg.Transport["headers"].(map[string]any); ok {
		for k, v := range raw {
			if str, ok := v.(string); ok {
				headers[k] = str
			}
		}
	}

	// HTTP transports never inherit the aggregator's environment; the
	// endpoint is remote by definition.
	c, err := client.NewStreamableHttpClient(cfg.URI,
		mcptransport.WithHTTPTimeout(defaultHTTPTimeout),
		mcptransport.WithHTTPHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating streamable-http client for %s: %v", magg.ErrTransport, cfg.Name, err)
	}
	return c, nil
}

// subprocessEnv builds the child environment under the active inheritance
// mode: explicit-only by default, inherit-plus-overlay when opted in.
func (s *Selector) subprocessEnv(cfg *config.ServerConfig) []string {
	merged := make(map[string]string)
	if s.envMode == EnvInherit {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				merged[k] = v
			}
		}
	}
	for k, v := range cfg.Env {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// logStderr forwards a subprocess's stderr lines to the aggregator log.
// It runs until the reader is closed, which the owning exec.Cmd does on
// Wait.
func logStderr(server string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Infow("backend stderr", "server", server, "line", scanner.Text())
	}
}

// Ensure the mcp-go client satisfies the transport handle surface.
var _ Handle = (*client.Client)(nil)

// InitializeRequest builds the standard initialize request the aggregator
// sends to every backend.
func InitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "magg",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}
