// Package client ties one transport channel to the negotiation, streaming and
// viewing components of a client process.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/HMasataka/aeyes/internal/channel"
	"github.com/HMasataka/aeyes/internal/media"
	"github.com/HMasataka/aeyes/internal/negotiation"
	"github.com/HMasataka/aeyes/internal/streamer"
	"github.com/HMasataka/aeyes/internal/viewer"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

var (
	ErrModeInactive = errors.New("mode is not active")
	ErrClosed       = errors.New("client is closed")
)

// Mode is the active transport mode. At most one mode holds the media source.
type Mode int

const (
	ModeNone Mode = iota
	ModeNegotiated
	ModeRelayed
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeNegotiated:
		return "negotiated"
	case ModeRelayed:
		return "relayed"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Conn is the part of a transport channel the client uses. *channel.Channel
// implements it.
type Conn interface {
	channel.Sender
	OnMessage(kind payload.Kind, handler channel.Handler)
	OnDisconnect(handler func())
	Close() error
}

// RendererFactory opens the renderer for a remote track.
type RendererFactory func(peerID string, track *webrtc.TrackRemote) (viewer.Renderer, error)

type Options struct {
	Source      media.Source
	Stills      media.StillSource
	Constraints media.Constraints

	NewTransport negotiation.TransportFactory
	Timeout      time.Duration
	DumpSDP      bool
	DumpDir      string

	Interval time.Duration

	NewRenderer RendererFactory

	OnModeChange  func(mode Mode)
	OnStateChange func(peerID string, state negotiation.State)
	OnFailed      func(peerID string, err error)
	OnEntry       func(entry viewer.Entry)
}

type Client struct {
	conn     Conn
	options  Options
	streamer *streamer.Streamer
	sink     *viewer.Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	mode    Mode
	manager *negotiation.Manager
	peers   []string
	closed  bool
}

func New(conn Conn, options Options) *Client {
	if options.NewRenderer == nil {
		options.NewRenderer = func(string, *webrtc.TrackRemote) (viewer.Renderer, error) {
			return viewer.DiscardRenderer{}, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		conn:    conn,
		options: options,
		sink:    viewer.NewSink(viewer.Options{OnEntry: options.OnEntry}),
		ctx:     ctx,
		cancel:  cancel,
	}

	streamerOptions := streamer.DefaultOptions()
	if options.Interval > 0 {
		streamerOptions.Interval = options.Interval
	}
	if options.Constraints != (media.Constraints{}) {
		streamerOptions.Constraints = options.Constraints
	}
	streamerOptions.OnStopped = c.handleStreamerStopped
	c.streamer = streamer.New(conn, options.Source, options.Stills, streamerOptions)

	conn.OnMessage(payload.KindSignal, channel.HandlerFunc(c.handleSignal))
	conn.OnMessage(payload.KindPeers, channel.HandlerFunc(c.handlePeers))
	c.sink.Attach(conn)
	conn.OnDisconnect(c.handleDisconnect)

	return c
}

func (c *Client) ID() string {
	return c.conn.ID()
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Done is closed when the client is closed or its channel drops.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) Sink() *viewer.Sink {
	return c.sink
}

// Peers returns the other sessions of the room as of the last presence
// snapshot.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.peers)
}

// SetMode switches the transport mode. The current mode always releases the
// media source before the new one may acquire it. On failure the client is
// left in ModeNone.
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.mode == mode {
		return nil
	}

	c.releaseLocked()

	switch mode {
	case ModeNegotiated:
		c.manager = c.newManager()
	case ModeRelayed:
		if err := c.streamer.Start(ctx); err != nil {
			c.setModeLocked(ModeNone)
			return err
		}
	}

	c.setModeLocked(mode)

	return nil
}

// Call starts a negotiation with peerID as initiator.
func (c *Client) Call(ctx context.Context, peerID string) error {
	manager, err := c.activeManager()
	if err != nil {
		return err
	}
	return manager.Connect(ctx, peerID)
}

// Hangup ends the negotiation with peerID.
func (c *Client) Hangup(peerID string) error {
	manager, err := c.activeManager()
	if err != nil {
		return err
	}
	manager.PeerLeft(peerID)
	return nil
}

// CapturePhoto publishes one still. It does not touch the media source and
// works in every mode.
func (c *Client) CapturePhoto(ctx context.Context) error {
	return c.streamer.CapturePhoto(ctx)
}

// NegotiationState reports the state of the negotiation with peerID.
func (c *Client) NegotiationState(peerID string) (negotiation.State, bool) {
	manager, err := c.activeManager()
	if err != nil {
		return negotiation.StateIdle, false
	}

	engine, ok := manager.Engine(peerID)
	if !ok {
		return negotiation.StateIdle, false
	}
	return engine.State(), true
}

// Close releases every mode and closes the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.releaseLocked()
	c.setModeLocked(ModeNone)
	c.mu.Unlock()

	c.sink.Detach(c.conn)
	c.cancel()

	return c.conn.Close()
}

func (c *Client) activeManager() (*negotiation.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.mode != ModeNegotiated || c.manager == nil {
		return nil, fmt.Errorf("%w: %s", ErrModeInactive, ModeNegotiated)
	}
	return c.manager, nil
}

func (c *Client) newManager() *negotiation.Manager {
	return negotiation.NewManager(c.conn, negotiation.ManagerOptions{
		Source:        c.options.Source,
		Constraints:   c.options.Constraints,
		NewTransport:  c.options.NewTransport,
		Timeout:       c.options.Timeout,
		DumpSDP:       c.options.DumpSDP,
		DumpDir:       c.options.DumpDir,
		OnStateChange: c.options.OnStateChange,
		OnFailed:      c.handleFailed,
		OnTrack:       c.handleTrack,
	})
}

func (c *Client) releaseLocked() {
	switch c.mode {
	case ModeNegotiated:
		if c.manager != nil {
			c.manager.Close()
			c.manager = nil
		}
	case ModeRelayed:
		c.streamer.Stop()
	}
}

func (c *Client) setModeLocked(mode Mode) {
	if c.mode == mode {
		return
	}

	slog.Info("mode changed", "session_id", c.conn.ID(), "from", c.mode.String(), "to", mode.String())
	c.mode = mode

	if c.options.OnModeChange != nil {
		c.options.OnModeChange(mode)
	}
}

func (c *Client) handleSignal(ctx context.Context, env *payload.Envelope) error {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()

	if manager == nil {
		slog.Debug("signal dropped outside negotiated mode", "from", env.From)
		return nil
	}

	return manager.HandleSignal(ctx, env)
}

func (c *Client) handlePeers(ctx context.Context, env *payload.Envelope) error {
	var peers payload.Peers
	if err := env.Decode(&peers); err != nil {
		return fmt.Errorf("decode peers: %w", err)
	}

	self := c.conn.ID()
	others := lo.Filter(peers.SessionIDs, func(id string, _ int) bool {
		return id != self
	})

	c.mu.Lock()
	c.peers = others
	manager := c.manager
	c.mu.Unlock()

	if manager != nil {
		manager.HandlePeers(peers)
	}

	return nil
}

// handleDisconnect tears every mode down before it returns. The client is
// unusable afterwards.
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	slog.Warn("channel disconnected, releasing all modes", "session_id", c.conn.ID(), "mode", c.mode.String())

	c.closed = true
	c.releaseLocked()
	c.setModeLocked(ModeNone)
	c.peers = nil
	c.cancel()
}

func (c *Client) handleStreamerStopped(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeRelayed && !c.streamer.Running() {
		slog.Warn("streaming stopped by transport", "session_id", c.conn.ID(), "error", err)
		c.setModeLocked(ModeNone)
	}
}

func (c *Client) handleFailed(peerID string, err error) {
	slog.Warn("negotiation failed", "peer_id", peerID, "error", err)

	if c.options.OnFailed != nil {
		c.options.OnFailed(peerID, err)
	}
}

func (c *Client) handleTrack(peerID string, track *webrtc.TrackRemote, transport negotiation.PeerTransport) {
	renderer, err := c.options.NewRenderer(peerID, track)
	if err != nil {
		slog.Error("failed to open renderer", "peer_id", peerID, "error", err)
		return
	}

	go func() {
		if err := c.sink.Render(c.ctx, peerID, track, transport, renderer); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("remote track ended", "peer_id", peerID, "error", err)
		}
	}()
}
