// Package backend owns one downstream MCP connection per configured server.
//
// Each connection runs a single owning goroutine that drives the lifecycle
// state machine and serializes all transport I/O. External access (tool
// calls, capability reads, probes) goes through an in-memory request queue
// serviced by that goroutine; capability snapshots are published through an
// atomic pointer so readers never block the owner.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
	"github.com/maggmcp/magg/pkg/transport"
)

// Options bound the connection's timers and retry budget. The zero value is
// usable; every field has a default.
type Options struct {
	// ProbeInterval is how often the owner goroutine health-probes an
	// idle RUNNING connection.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration

	// ConnectTimeout bounds a single connection attempt, handshake and
	// capability fetch included.
	ConnectTimeout time.Duration

	// CloseTimeout bounds the graceful close before the transport is
	// abandoned (child processes are killed by context teardown).
	CloseTimeout time.Duration

	// InitialBackoff is the first reconnect delay; attempts then back off
	// exponentially with jitter.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration

	// ReconnectBudget is how many consecutive connection attempts are
	// made before the connection parks in FAILED.
	ReconnectBudget int
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 500 * time.Millisecond
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.ReconnectBudget <= 0 {
		o.ReconnectBudget = 8
	}
	return o
}

// PublishFunc receives notification envelopes from the connection. It must
// not block; the coordinator buffers internally.
type PublishFunc func(magg.Envelope)

// EventFunc is invoked after every state transition or capability refresh,
// outside the connection's locks. The mount engine uses it to re-index.
type EventFunc func(name string, state magg.State)

// Connection is the runtime instance of one catalog entry. It is exclusively
// owned by the mount engine and destroyed on unmount.
type Connection struct {
	cfg     *config.ServerConfig
	opener  transport.Opener
	opts    Options
	publish PublishFunc
	onEvent EventFunc

	caps atomic.Pointer[magg.Capabilities]

	reqs  chan *request
	retry chan struct{}

	mu       sync.Mutex
	state    magg.State
	lastErr  error
	healthAt time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

type request struct {
	ctx context.Context
	fn  func(ctx context.Context, h transport.Handle) error
	err chan error
}

// New creates a connection for cfg in the CONFIGURED state. Start brings it
// up. The config is cloned; later catalog edits never reach a live
// connection.
func New(cfg *config.ServerConfig, opener transport.Opener, opts Options, publish PublishFunc, onEvent EventFunc) *Connection {
	if publish == nil {
		publish = func(magg.Envelope) {}
	}
	if onEvent == nil {
		onEvent = func(string, magg.State) {}
	}
	return &Connection{
		cfg:     cfg.Clone(),
		opener:  opener,
		opts:    opts.withDefaults(),
		publish: publish,
		onEvent: onEvent,
		reqs:    make(chan *request, 16),
		retry:   make(chan struct{}, 1),
		state:   magg.StateConfigured,
	}
}

// Name returns the catalog name of the backend.
func (c *Connection) Name() string {
	return c.cfg.Name
}

// Config returns the connection's immutable config snapshot.
func (c *Connection) Config() *config.ServerConfig {
	return c.cfg
}

// State returns the current lifecycle state and the last error, if any.
func (c *Connection) State() (magg.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// HealthyAt returns the time of the last successful probe or request.
func (c *Connection) HealthyAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthAt
}

// Capabilities returns the last-known capability snapshot, or nil before the
// first successful fetch. The snapshot is immutable.
func (c *Connection) Capabilities() *magg.Capabilities {
	return c.caps.Load()
}

// Start launches the owning goroutine. It returns immediately; the
// connection converges towards RUNNING (or FAILED) in the background.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Stop disables the connection: the transport is closed gracefully, the
// child process (if any) is terminated, and queued requests fail with
// ErrBackendGone. Stop waits for the owner goroutine to exit or ctx.
func (c *Connection) Stop(ctx context.Context) {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		c.setState(magg.StateDisabled, nil)
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("Timed out waiting for backend %s to stop", c.cfg.Name)
	}
}

// Retry nudges a FAILED connection back into the reconnect loop.
func (c *Connection) Retry() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Do runs fn on the owning goroutine, serialized with all other transport
// I/O for this backend. The queue is FIFO: enqueue order is dispatch order.
// Cancelling ctx abandons a queued request and propagates into an in-flight
// transport call.
func (c *Connection) Do(ctx context.Context, fn func(ctx context.Context, h transport.Handle) error) error {
	c.mu.Lock()
	state := c.state
	done := c.done
	c.mu.Unlock()

	switch state {
	case magg.StateDisabled:
		return fmt.Errorf("%w: %s is disabled", magg.ErrBackendGone, c.cfg.Name)
	case magg.StateFailed:
		return fmt.Errorf("%w: %s is failed: %v", magg.ErrTransport, c.cfg.Name, c.lastError())
	}
	if done == nil {
		return fmt.Errorf("%w: %s is not started", magg.ErrBackendGone, c.cfg.Name)
	}

	r := &request{ctx: ctx, fn: fn, err: make(chan error, 1)}
	select {
	case c.reqs <- r:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", magg.ErrCancelled, context.Cause(ctx))
	case <-done:
		return fmt.Errorf("%w: %s", magg.ErrBackendGone, c.cfg.Name)
	}

	select {
	case err := <-r.err:
		return err
	case <-done:
		return fmt.Errorf("%w: %s", magg.ErrBackendGone, c.cfg.Name)
	}
}

// Probe performs a cheap health check: a zero-argument tool list request
// under a tight timeout, serialized through the request queue.
func (c *Connection) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	return c.Do(ctx, func(ctx context.Context, h transport.Handle) error {
		_, err := h.ListTools(ctx, mcp.ListToolsRequest{})
		return err
	})
}

// RefreshCapabilities re-fetches the backend's capability lists and swaps the
// snapshot.
func (c *Connection) RefreshCapabilities(ctx context.Context) error {
	err := c.Do(ctx, func(ctx context.Context, h transport.Handle) error {
		caps, err := fetchCapabilities(ctx, h, nil)
		if err != nil {
			return err
		}
		c.caps.Store(caps)
		return nil
	})
	if err != nil {
		return err
	}
	c.onEvent(c.cfg.Name, magg.StateRunning)
	return nil
}

func (c *Connection) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) setState(state magg.State, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.lastErr = err
	c.mu.Unlock()
	if changed {
		if err != nil {
			logger.Infow("backend state changed", "server", c.cfg.Name, "state", state, "error", err.Error())
		} else {
			logger.Infow("backend state changed", "server", c.cfg.Name, "state", state)
		}
		c.onEvent(c.cfg.Name, state)
	}
}

func (c *Connection) markHealthy() {
	c.mu.Lock()
	c.healthAt = time.Now()
	c.mu.Unlock()
}

// run is the owner goroutine: it drives the state machine and is the only
// goroutine that touches the transport handle.
func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(magg.StateDisabled, nil)

	for {
		if ctx.Err() != nil {
			return
		}

		if state, _ := c.State(); state != magg.StateDegraded {
			c.setState(magg.StateConnecting, nil)
		}

		h, err := c.connectWithBackoff(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(magg.StateFailed, err)
			// Parked: wait for an explicit retry or teardown.
			select {
			case <-ctx.Done():
				return
			case <-c.retry:
				continue
			}
		}

		c.setState(magg.StateRunning, nil)
		c.markHealthy()

		serveErr := c.serve(ctx, h)
		c.closeHandle(h)
		if ctx.Err() != nil {
			return
		}
		c.setState(magg.StateDegraded, serveErr)
	}
}

// connectWithBackoff opens the transport, performs the MCP handshake,
// fetches the initial capability lists, and attaches the notification
// handler. Attempts back off exponentially with jitter until the reconnect
// budget is exhausted.
func (c *Connection) connectWithBackoff(ctx context.Context) (transport.Handle, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.opts.InitialBackoff
	expBackoff.MaxInterval = c.opts.MaxBackoff

	attempt := 0
	h, err := backoff.Retry(ctx, func() (transport.Handle, error) {
		attempt++
		h, err := c.connectOnce(ctx)
		if err != nil {
			logger.Debugw("backend connect attempt failed",
				"server", c.cfg.Name, "attempt", attempt, "error", err.Error())
		}
		return h, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.opts.ReconnectBudget)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reconnect budget exhausted: %v", magg.ErrTransport, c.cfg.Name, err)
	}
	return h, nil
}

func (c *Connection) connectOnce(ctx context.Context) (transport.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	h, _, err := c.opener.Open(ctx, c.cfg)
	if err != nil {
		return nil, err
	}

	initResult, err := h.Initialize(ctx, transport.InitializeRequest())
	if err != nil {
		c.closeHandle(h)
		return nil, fmt.Errorf("%w: initialize handshake with %s: %v", magg.ErrTransport, c.cfg.Name, err)
	}

	caps, err := fetchCapabilities(ctx, h, &initResult.Capabilities)
	if err != nil {
		c.closeHandle(h)
		return nil, err
	}
	c.caps.Store(caps)

	h.OnNotification(func(n mcp.JSONRPCNotification) {
		c.handleNotification(n)
	})

	return h, nil
}

// serve processes the request queue until the transport errors out or the
// connection is torn down. A probe ticker covers idle periods so a dead
// transport is noticed within one probe interval.
func (c *Connection) serve(ctx context.Context, h transport.Handle) error {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-c.reqs:
			if r.ctx.Err() != nil {
				r.err <- fmt.Errorf("%w: %v", magg.ErrCancelled, context.Cause(r.ctx))
				continue
			}
			err := r.fn(r.ctx, h)
			r.err <- err
			switch {
			case err == nil:
				c.markHealthy()
				consecutiveFailures = 0
			case errors.Is(err, context.Canceled), errors.Is(r.ctx.Err(), context.Canceled):
				// Caller went away; not the transport's fault.
			case errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() != nil:
				// Caller-imposed deadline; the transport may be fine.
			default:
				consecutiveFailures++
				if consecutiveFailures >= 2 {
					return fmt.Errorf("%w: %s: %v", magg.ErrTransport, c.cfg.Name, err)
				}
			}

		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
			err := h.Ping(probeCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("%w: %s: health probe failed: %v", magg.ErrTransport, c.cfg.Name, err)
			}
			c.markHealthy()
		}
	}
}

func (c *Connection) closeHandle(h transport.Handle) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if err := h.Close(); err != nil {
			logger.Debugf("Closing transport for %s: %v", c.cfg.Name, err)
		}
	}()
	select {
	case <-closed:
	case <-time.After(c.opts.CloseTimeout):
		// The transport context teardown hard-kills child processes.
		logger.Warnf("Graceful close timed out for backend %s", c.cfg.Name)
	}
}

// handleNotification converts an inbound backend notification into an
// envelope for the coordinator. List changes also schedule a capability
// refresh so the aggregated index follows the backend.
func (c *Connection) handleNotification(n mcp.JSONRPCNotification) {
	kind := magg.KindFromMethod(n.Method)
	if kind == "" {
		logger.Debugf("Dropping unrecognized notification %q from %s", n.Method, c.cfg.Name)
		return
	}

	payload := make(map[string]any, len(n.Params.AdditionalFields))
	for k, v := range n.Params.AdditionalFields {
		payload[k] = v
	}

	c.publish(magg.Envelope{
		SourceServer: c.cfg.Name,
		Kind:         kind,
		Payload:      payload,
		ReceivedAt:   time.Now(),
	})

	if kind.IsListChange() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
			defer cancel()
			if err := c.RefreshCapabilities(ctx); err != nil {
				logger.Warnf("Capability refresh for %s failed: %v", c.cfg.Name, err)
			}
		}()
	}
}

// fetchCapabilities pulls the backend's capability lists, honoring the
// capabilities it advertised during the handshake. A nil serverCaps means
// "unknown, try everything" (used on refresh).
func fetchCapabilities(ctx context.Context, h transport.Handle, serverCaps *mcp.ServerCapabilities) (*magg.Capabilities, error) {
	caps := &magg.Capabilities{FetchedAt: time.Now()}

	wantTools := serverCaps == nil || serverCaps.Tools != nil
	wantResources := serverCaps == nil || serverCaps.Resources != nil
	wantPrompts := serverCaps == nil || serverCaps.Prompts != nil

	if wantTools {
		result, err := h.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			if serverCaps != nil {
				return nil, fmt.Errorf("%w: listing tools: %v", magg.ErrProtocol, err)
			}
		} else {
			caps.Tools = result.Tools
		}
	}
	if wantResources {
		result, err := h.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			if serverCaps != nil {
				return nil, fmt.Errorf("%w: listing resources: %v", magg.ErrProtocol, err)
			}
		} else {
			caps.Resources = result.Resources
		}
		if templates, err := h.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{}); err == nil {
			caps.ResourceTemplates = templates.ResourceTemplates
		}
	}
	if wantPrompts {
		result, err := h.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			if serverCaps != nil {
				return nil, fmt.Errorf("%w: listing prompts: %v", magg.ErrProtocol, err)
			}
		} else {
			caps.Prompts = result.Prompts
		}
	}

	return caps, nil
}
