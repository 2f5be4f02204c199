// Package notify implements the notification coordinator: the message bus
// between backend connections and attached client sessions.
//
// Backends publish tagged envelopes; the coordinator classifies them,
// coalesces list-change bursts, de-duplicates identical payloads within the
// coalesce window, rate-limits log messages per backend, and fans the rest
// out to per-session outbound queues. A slow client only ever blocks its own
// consumer.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

const (
	// DefaultCoalesceWindow bounds list-change storms: at most one
	// outbound notification per kind per client within the window.
	DefaultCoalesceWindow = 50 * time.Millisecond

	// DefaultQueueThreshold is the per-session queue depth beyond which
	// the oldest list-change notifications are dropped. They are
	// idempotent; a later one supersedes them. Targeted notifications are
	// never dropped.
	DefaultQueueThreshold = 256

	// DefaultLogRate and DefaultLogBurst bound log-kind forwarding per
	// backend.
	DefaultLogRate  = 10.0
	DefaultLogBurst = 20
)

// Sender delivers one notification to one client session. The aggregator
// server implements it over the MCP SDK.
type Sender interface {
	Send(ctx context.Context, sessionID, method string, params map[string]any) error
}

// Stats counts coordinator activity since startup.
type Stats struct {
	Received    uint64 `json:"received"`
	Dispatched  uint64 `json:"dispatched"`
	Coalesced   uint64 `json:"coalesced"`
	Deduped     uint64 `json:"deduped"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rateLimited"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCoalesceWindow overrides the list-change coalescing window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithQueueThreshold overrides the per-session backpressure threshold.
func WithQueueThreshold(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithLogLimit overrides the per-backend token bucket for log notifications.
func WithLogLimit(perSecond float64, burst int) Option {
	return func(c *Coordinator) {
		if perSecond > 0 {
			c.logRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			c.logBurst = burst
		}
	}
}

// Coordinator routes notifications between backends and client sessions.
type Coordinator struct {
	sender    Sender
	window    time.Duration
	threshold int
	logRate   rate.Limit
	logBurst  int

	inbox chan magg.Envelope

	mu            sync.Mutex
	sessions      map[string]*session
	limiters      map[string]*rate.Limiter
	resourceSubs  map[string]map[string]struct{}
	progressOwner map[string]string
	stats         Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator that delivers through sender.
func NewCoordinator(sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		sender:        sender,
		window:        DefaultCoalesceWindow,
		threshold:     DefaultQueueThreshold,
		logRate:       rate.Limit(DefaultLogRate),
		logBurst:      DefaultLogBurst,
		inbox:         make(chan magg.Envelope, 1024),
		sessions:      make(map[string]*session),
		limiters:      make(map[string]*rate.Limiter),
		resourceSubs:  make(map[string]map[string]struct{}),
		progressOwner: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the routing loop.
func (c *Coordinator) Start(ctx context.Context) {
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

// Stop terminates the routing loop and every session consumer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	for id, s := range c.sessions {
		s.close()
		delete(c.sessions, id)
	}
	c.mu.Unlock()
}

// Publish accepts an envelope from a backend connection or an admin tool.
// It never blocks the caller: when the inbox is saturated the envelope is
// dropped and counted.
func (c *Coordinator) Publish(env magg.Envelope) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}
	select {
	case c.inbox <- env:
	default:
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		logger.Warnf("Notification inbox saturated, dropping %s from %s", env.Kind, env.SourceServer)
	}
}

// EmitListChanged publishes synthetic list-change envelopes originated by
// the aggregator itself, for example after a reconfigure.
func (c *Coordinator) EmitListChanged(kinds ...magg.NotificationKind) {
	for _, kind := range kinds {
		if !kind.IsListChange() {
			continue
		}
		c.Publish(magg.Envelope{Kind: kind, ReceivedAt: time.Now()})
	}
}

// Attach registers a client session. Notifications begin to flow to it
// immediately; each session drains its own queue on its own goroutine.
func (c *Coordinator) Attach(ctx context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; ok {
		return
	}
	s := newSession(sessionID, c.threshold)
	c.sessions[sessionID] = s
	go s.consume(ctx, c.sender)
}

// Detach removes a client session and drops anything still queued for it.
func (c *Coordinator) Detach(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	for uri, subs := range c.resourceSubs {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(c.resourceSubs, uri)
		}
	}
	for token, owner := range c.progressOwner {
		if owner == sessionID {
			delete(c.progressOwner, token)
		}
	}
	c.mu.Unlock()
	if ok {
		s.close()
	}
}

// SubscribeResource routes future resource_updated notifications for uri to
// the session.
func (c *Coordinator) SubscribeResource(sessionID, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs, ok := c.resourceSubs[uri]
	if !ok {
		subs = make(map[string]struct{})
		c.resourceSubs[uri] = subs
	}
	subs[sessionID] = struct{}{}
}

// UnsubscribeResource stops routing resource_updated notifications for uri
// to the session.
func (c *Coordinator) UnsubscribeResource(sessionID, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs, ok := c.resourceSubs[uri]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(c.resourceSubs, uri)
		}
	}
}

// RegisterProgress records that the session issued the progress token, so
// progress and cancellation notifications carrying it route back to the
// issuer.
func (c *Coordinator) RegisterProgress(token, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressOwner[token] = sessionID
}

// ReleaseProgress forgets a progress token once its request completes.
func (c *Coordinator) ReleaseProgress(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progressOwner, token)
}

// Snapshot returns the coordinator's counters.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	pending := make(map[magg.NotificationKind]struct{})
	digests := make(map[string]struct{})
	var windowTimer *time.Timer
	var windowC <-chan time.Time

	openWindow := func() {
		if windowC == nil {
			windowTimer = time.NewTimer(c.window)
			windowC = windowTimer.C
		}
	}
	closeWindow := func() {
		if windowTimer != nil {
			windowTimer.Stop()
		}
		windowTimer, windowC = nil, nil
		clear(pending)
		clear(digests)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case env := <-c.inbox:
			c.mu.Lock()
			c.stats.Received++
			c.mu.Unlock()

			digest := envelopeDigest(env)
			if _, seen := digests[digest]; seen {
				c.mu.Lock()
				c.stats.Deduped++
				c.mu.Unlock()
				continue
			}
			openWindow()
			digests[digest] = struct{}{}

			if env.Kind.IsListChange() {
				if _, already := pending[env.Kind]; already {
					c.mu.Lock()
					c.stats.Coalesced++
					c.mu.Unlock()
				}
				pending[env.Kind] = struct{}{}
				continue
			}

			c.dispatchTargeted(env)

		case <-windowC:
			for kind := range pending {
				c.dispatchToAll(kind, nil)
			}
			closeWindow()
		}
	}
}

// dispatchTargeted routes non-list-change envelopes: resource updates to
// subscribers, progress and cancellation to the token issuer, log messages
// to everyone subject to the per-backend token bucket.
func (c *Coordinator) dispatchTargeted(env magg.Envelope) {
	switch env.Kind {
	case magg.NotifyResourceUpdated:
		uri, _ := env.Payload["uri"].(string)
		c.mu.Lock()
		var targets []*session
		for id := range c.resourceSubs[uri] {
			if s, ok := c.sessions[id]; ok {
				targets = append(targets, s)
			}
		}
		c.mu.Unlock()
		for _, s := range targets {
			c.enqueue(s, env.Kind, env.Payload)
		}

	case magg.NotifyProgress, magg.NotifyCancelled:
		token := progressToken(env.Payload)
		c.mu.Lock()
		owner, ok := c.progressOwner[token]
		var target *session
		if ok {
			target = c.sessions[owner]
		}
		c.mu.Unlock()
		if target != nil {
			c.enqueue(target, env.Kind, env.Payload)
			return
		}
		// No recorded issuer: fall back to broadcasting so the
		// notification is not silently lost.
		c.dispatchToAll(env.Kind, env.Payload)

	case magg.NotifyLog:
		if !c.allowLog(env.SourceServer) {
			c.mu.Lock()
			c.stats.RateLimited++
			c.mu.Unlock()
			return
		}
		c.dispatchToAll(env.Kind, env.Payload)
	}
}

func (c *Coordinator) dispatchToAll(kind magg.NotificationKind, payload map[string]any) {
	c.mu.Lock()
	targets := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		targets = append(targets, s)
	}
	c.mu.Unlock()
	for _, s := range targets {
		c.enqueue(s, kind, payload)
	}
}

func (c *Coordinator) enqueue(s *session, kind magg.NotificationKind, payload map[string]any) {
	dropped := s.push(outbound{kind: kind, method: kind.Method(), params: payload})
	c.mu.Lock()
	c.stats.Dispatched++
	c.stats.Dropped += uint64(dropped)
	c.mu.Unlock()
}

func (c *Coordinator) allowLog(server string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[server]
	if !ok {
		limiter = rate.NewLimiter(c.logRate, c.logBurst)
		c.limiters[server] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

func progressToken(payload map[string]any) string {
	for _, key := range []string{"progressToken", "requestId"} {
		if v, ok := payload[key]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// envelopeDigest keys de-duplication: identical (kind, source server,
// payload) triples within one coalesce window collapse to a single delivery.
func envelopeDigest(env magg.Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.Kind))
	h.Write([]byte{0})
	h.Write([]byte(env.SourceServer))
	h.Write([]byte{0})
	if len(env.Payload) > 0 {
		if data, err := json.Marshal(env.Payload); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
