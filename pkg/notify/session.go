package notify

import (
	"context"
	"sync"

	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

// outbound is one queued notification for one session.
type outbound struct {
	kind   magg.NotificationKind
	method string
	params map[string]any
}

// session is a per-client outbound queue: single producer (the coordinator's
// routing loop), single consumer (the session's send loop). When the queue
// grows past the threshold, the oldest list-change entries are dropped first;
// targeted entries are never dropped and only ever delay this session.
type session struct {
	id        string
	threshold int

	mu     sync.Mutex
	queue  []outbound
	signal chan struct{}
	closed bool
}

func newSession(id string, threshold int) *session {
	return &session{
		id:        id,
		threshold: threshold,
		signal:    make(chan struct{}, 1),
	}
}

// push appends an entry and returns how many entries backpressure dropped.
func (s *session) push(out outbound) (dropped int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	if len(s.queue) >= s.threshold {
		for i, queued := range s.queue {
			if queued.kind.IsListChange() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = 1
				break
			}
		}
	}
	s.queue = append(s.queue, out)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (s *session) pop() (outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return outbound{}, false
	}
	out := s.queue[0]
	s.queue = s.queue[1:]
	return out, true
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// consume is the session's send loop. Send failures are logged and the entry
// is dropped; a dead session is detached by the server's unregister hook.
func (s *session) consume(ctx context.Context, sender Sender) {
	for {
		for {
			out, ok := s.pop()
			if !ok {
				break
			}
			if err := sender.Send(ctx, s.id, out.method, out.params); err != nil {
				logger.Debugw("notification send failed",
					"session", s.id, "method", out.method, "error", err.Error())
			}
		}
		if s.isClosed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
	}
}
