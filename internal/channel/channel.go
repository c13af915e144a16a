// Package channel is the client end of a transport channel to the relay.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/HMasataka/aeyes/pkg/retry"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
)

//go:generate mockgen -source channel.go -destination mock/channel.go

var ErrChannelClosed = errors.New("channel is closed")

// Sender publishes a message through the relay. An empty to addresses every
// eligible session of the room.
type Sender interface {
	ID() string
	Send(ctx context.Context, kind payload.Kind, to string, data any) error
}

// Channel is a bidirectional, ordered message pipe to the relay. Inbound
// handlers run one at a time in arrival order.
type Channel struct {
	conn     *jsonrpc2.Conn
	registry HandlerRegistry

	mu       sync.RWMutex
	id       string
	room     string
	welcomed chan struct{}

	disconnectMu sync.Mutex
	onDisconnect []func()
	disconnected bool
}

var _ Sender = (*Channel)(nil)

// Dial connects to the relay websocket endpoint and waits for the session id.
func Dial(ctx context.Context, endpoint, room string, cfg retry.Config) (*Channel, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if room != "" {
		q := u.Query()
		q.Set("room", room)
		u.RawQuery = q.Encode()
	}

	var ws *websocket.Conn
	err = retry.Do(ctx, cfg, func(attempt int) error {
		conn, _, dialErr := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if dialErr != nil {
			slog.Warn("failed to dial relay", "url", u.String(), "attempt", attempt, "error", dialErr)
			return dialErr
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := newChannel()
	c.conn = jsonrpc2.NewConn(context.Background(), jsonrpc2ws.NewObjectStream(ws), c)
	go c.watchDisconnect()

	select {
	case <-c.welcomed:
	case <-c.conn.DisconnectNotify():
		return nil, ErrChannelClosed
	case <-ctx.Done():
		c.conn.Close()
		return nil, ctx.Err()
	}

	slog.Info("connected to relay", "session_id", c.ID(), "room", c.Room())

	return c, nil
}

func newChannel() *Channel {
	return &Channel{
		registry: NewHandlerRegistry(),
		welcomed: make(chan struct{}),
	}
}

func (c *Channel) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Channel) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Channel) Send(ctx context.Context, kind payload.Kind, to string, data any) error {
	if c.isDisconnected() {
		return ErrChannelClosed
	}

	env, err := payload.NewEnvelope(to, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	if err := c.conn.Notify(ctx, string(kind), env); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return ErrChannelClosed
		}
		return err
	}

	return nil
}

// OnMessage registers the handler for a kind, replacing any previous one.
func (c *Channel) OnMessage(kind payload.Kind, handler Handler) {
	c.registry.Register(kind, handler)
}

// OnDisconnect registers a callback run once when the channel closes. It runs
// immediately if the channel is already closed.
func (c *Channel) OnDisconnect(handler func()) {
	c.disconnectMu.Lock()
	if c.disconnected {
		c.disconnectMu.Unlock()
		handler()
		return
	}
	c.onDisconnect = append(c.onDisconnect, handler)
	c.disconnectMu.Unlock()
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

func (c *Channel) Done() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

func (c *Channel) Handle(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	if request.Params == nil {
		return
	}

	var env payload.Envelope
	if err := json.Unmarshal(*request.Params, &env); err != nil {
		slog.Warn("failed to decode envelope", "method", request.Method, "error", err)
		return
	}

	kind := payload.Kind(request.Method)
	if kind == payload.KindWelcome {
		c.welcome(&env)
	}

	if err := c.registry.Handle(ctx, kind, &env); err != nil {
		if errors.Is(err, ErrNoHandler) {
			slog.Debug("no handler for message", "kind", kind, "from", env.From)
			return
		}
		slog.Warn("failed to handle message", "kind", kind, "from", env.From, "error", err)
	}
}

func (c *Channel) welcome(env *payload.Envelope) {
	var w payload.Welcome
	if err := env.Decode(&w); err != nil {
		slog.Warn("failed to decode welcome", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id != "" {
		return
	}
	c.id = w.SessionID
	c.room = w.Room
	close(c.welcomed)
}

func (c *Channel) isDisconnected() bool {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	return c.disconnected
}

func (c *Channel) watchDisconnect() {
	<-c.conn.DisconnectNotify()

	c.disconnectMu.Lock()
	c.disconnected = true
	handlers := c.onDisconnect
	c.onDisconnect = nil
	c.disconnectMu.Unlock()

	slog.Info("disconnected from relay", "session_id", c.ID())

	for _, h := range handlers {
		h()
	}
}
