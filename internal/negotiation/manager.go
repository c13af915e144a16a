package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/HMasataka/aeyes/internal/channel"
	"github.com/HMasataka/aeyes/internal/media"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

type ManagerOptions struct {
	Source      media.Source
	Constraints media.Constraints

	NewTransport TransportFactory
	Timeout      time.Duration

	DumpSDP bool
	DumpDir string

	OnStateChange func(peerID string, state State)
	OnFailed      func(peerID string, err error)
	OnTrack       func(peerID string, track *webrtc.TrackRemote, transport PeerTransport)
}

// Manager owns one Engine per remote peer and routes signal messages to them.
// Candidates for a peer without an engine wait in the arena.
type Manager struct {
	sender  channel.Sender
	options ManagerOptions

	mu      sync.Mutex
	engines map[string]*Engine
	arena   map[string][]webrtc.ICECandidateInit
}

func NewManager(sender channel.Sender, options ManagerOptions) *Manager {
	return &Manager{
		sender:  sender,
		options: options,
		engines: make(map[string]*Engine),
		arena:   make(map[string][]webrtc.ICECandidateInit),
	}
}

type senderSignaler struct {
	sender channel.Sender
}

func (s senderSignaler) Signal(ctx context.Context, to string, msg *payload.SignalMessage) error {
	return s.sender.Send(ctx, payload.KindSignal, to, msg)
}

// Connect starts a negotiation as initiator. A closed engine for the same peer
// is replaced.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if peerID == "" || peerID == m.sender.ID() {
		return fmt.Errorf("%w: invalid peer %q", ErrNegotiationProtocol, peerID)
	}

	return m.engineFor(peerID).Start(ctx)
}

// HandleSignal routes one relayed signal envelope.
func (m *Manager) HandleSignal(ctx context.Context, env *payload.Envelope) error {
	self := m.sender.ID()
	if env.From == "" || env.From == self {
		return nil
	}
	if env.To != "" && env.To != self {
		return nil
	}

	var msg payload.SignalMessage
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationProtocol, err)
	}

	peerID := env.From

	switch msg.Type {
	case payload.SignalTypeOffer:
		return m.engineFor(peerID).HandleSignal(ctx, &msg)

	case payload.SignalTypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate", ErrNegotiationProtocol)
		}

		// a closed engine is replaced on the next offer, so its candidates
		// wait in the arena for the new one
		m.mu.Lock()
		engine, ok := m.engines[peerID]
		if !ok || engine.State() == StateClosed {
			m.arena[peerID] = append(m.arena[peerID], *msg.Candidate)
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		return engine.HandleSignal(ctx, &msg)

	default:
		engine, ok := m.Engine(peerID)
		if !ok {
			return fmt.Errorf("%w: %s from unknown peer %s", ErrNegotiationProtocol, msg.Type, peerID)
		}
		return engine.HandleSignal(ctx, &msg)
	}
}

// HandlePeers closes the negotiations of peers missing from a presence
// snapshot.
func (m *Manager) HandlePeers(peers payload.Peers) {
	present := lo.SliceToMap(peers.SessionIDs, func(id string) (string, struct{}) {
		return id, struct{}{}
	})

	m.mu.Lock()
	known := lo.Uniq(append(lo.Keys(m.engines), lo.Keys(m.arena)...))
	m.mu.Unlock()

	for _, peerID := range known {
		if _, ok := present[peerID]; !ok {
			m.PeerLeft(peerID)
		}
	}
}

// PeerLeft tears down everything held for a departed peer.
func (m *Manager) PeerLeft(peerID string) {
	m.mu.Lock()
	engine, ok := m.engines[peerID]
	delete(m.engines, peerID)
	delete(m.arena, peerID)
	m.mu.Unlock()

	if ok {
		slog.Info("peer left", "peer_id", peerID)
		engine.Close()
	}
}

func (m *Manager) Engine(peerID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	engine, ok := m.engines[peerID]
	return engine, ok
}

func (m *Manager) Peers() []string {
	m.mu.Lock()
	ids := lo.Keys(m.engines)
	m.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Close tears down every negotiation.
func (m *Manager) Close() {
	m.mu.Lock()
	engines := lo.Values(m.engines)
	m.engines = make(map[string]*Engine)
	m.arena = make(map[string][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for _, engine := range engines {
		engine.Close()
	}
}

func (m *Manager) engineFor(peerID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if engine, ok := m.engines[peerID]; ok && engine.State() != StateClosed {
		return engine
	}

	engine := NewEngine(Options{
		LocalID:       m.sender.ID(),
		PeerID:        peerID,
		Source:        m.options.Source,
		Constraints:   m.options.Constraints,
		NewTransport:  m.options.NewTransport,
		Signaler:      senderSignaler{sender: m.sender},
		Timeout:       m.options.Timeout,
		DumpSDP:       m.options.DumpSDP,
		DumpDir:       m.options.DumpDir,
		OnStateChange: m.options.OnStateChange,
		OnFailed:      m.options.OnFailed,
		OnTrack:       m.options.OnTrack,
	})
	m.engines[peerID] = engine

	if held := m.arena[peerID]; len(held) > 0 {
		delete(m.arena, peerID)
		engine.AddCandidates(held)
	}

	return engine
}
