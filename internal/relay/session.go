package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/gammazero/workerpool"
	"github.com/sourcegraph/jsonrpc2"
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrOutboundFull  = errors.New("outbound queue full")
)

const notifyTimeout = 10 * time.Second

// Notifier is the outbound half of a transport channel. *jsonrpc2.Conn
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, method string, params any, opts ...jsonrpc2.CallOption) error
}

// Session is the relay-side handle of one connected channel. Outbound
// messages are written by a single worker so they leave in enqueue order.
type Session struct {
	id          string
	room        string
	connectedAt time.Time

	conn       Notifier
	pool       *workerpool.WorkerPool
	pending    atomic.Int64
	maxPending int64

	mu     sync.RWMutex
	closed atomic.Bool
}

func newSession(id, room string, conn Notifier, maxPending int) *Session {
	return &Session{
		id:          id,
		room:        room,
		connectedAt: time.Now(),
		conn:        conn,
		pool:        workerpool.New(1),
		maxPending:  int64(maxPending),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Room() string {
	return s.room
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) enqueue(kind payload.Kind, env *payload.Envelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}

	if s.pending.Add(1) > s.maxPending {
		s.pending.Add(-1)
		return ErrOutboundFull
	}

	s.pool.Submit(func() {
		defer s.pending.Add(-1)

		if s.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := s.conn.Notify(ctx, string(kind), env); err != nil {
			slog.Warn("failed to deliver message", "session_id", s.id, "kind", kind, "error", err)
		}
	})

	return nil
}

// close drops queued messages. A write already in flight is allowed to finish
// in the background.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return
	}
	go s.pool.Stop()
}
