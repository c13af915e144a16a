// Package negotiation drives the offer/answer/candidate exchange that sets up
// a direct media transport with one remote peer.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/aeyes/internal/media"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/HMasataka/aeyes/pkg/sdpdebug"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMediaAcquisition      = errors.New("media acquisition failed")
	ErrNegotiationProtocol   = errors.New("negotiation protocol violation")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrNegotiationTimeout    = errors.New("negotiation timed out")
)

const (
	DefaultTimeout = 30 * time.Second

	signalTimeout = 10 * time.Second
)

type Options struct {
	LocalID string
	PeerID  string

	// Source が nil の場合は受信専用で交渉する
	Source      media.Source
	Constraints media.Constraints

	NewTransport TransportFactory
	Signaler     Signaler
	Timeout      time.Duration

	DumpSDP bool
	DumpDir string

	OnStateChange func(peerID string, state State)
	OnFailed      func(peerID string, err error)
	OnTrack       func(peerID string, track *webrtc.TrackRemote, transport PeerTransport)
}

// Engine is the negotiation state machine for one remote peer. Events are
// applied one at a time under mu; callbacks run after mu is released.
type Engine struct {
	options Options

	mu        sync.Mutex
	state     State
	transport PeerTransport
	track     media.Track
	remoteSet bool
	pending   deque.Deque[webrtc.ICECandidateInit]
	applied   []webrtc.ICECandidateInit
	timer     *time.Timer
	gen       uint64
	deferred  []func()

	// transport callbacks read this without taking mu
	current atomic.Uint64

	// transport state changes are applied in arrival order by one worker
	eventsMu      sync.Mutex
	events        *workerpool.WorkerPool
	eventsStopped bool
}

func NewEngine(options Options) *Engine {
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}

	return &Engine{options: options}
}

func (e *Engine) PeerID() string {
	return e.options.PeerID
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Applied returns the remote candidates handed to the transport, in order.
func (e *Engine) Applied() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.applied...)
}

// Pending returns how many remote candidates wait for the remote descriptor.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Len()
}

// Start makes this side the initiator and sends an offer.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlock()

	if e.state != StateIdle {
		return fmt.Errorf("%w: start in state %s", ErrNegotiationProtocol, e.state)
	}

	if err := e.prepareLocked(ctx); err != nil {
		return err
	}

	var err error
	if e.track != nil {
		err = e.transport.AddTrack(e.track.Local())
	} else {
		err = e.transport.AddRecvOnlyVideo()
	}
	if err != nil {
		e.teardownLocked(err)
		return fmt.Errorf("add media: %w", err)
	}

	offer, err := e.transport.CreateOffer()
	if err != nil {
		e.teardownLocked(err)
		return fmt.Errorf("create offer: %w", err)
	}
	e.dumpLocked("local", offer)

	e.setStateLocked(StateOfferSent)
	e.startTimerLocked()

	if err := e.signalLocked(ctx, payload.NewOfferMessage(offer)); err != nil {
		e.teardownLocked(err)
		return err
	}

	e.setStateLocked(StateAnswerPending)

	return nil
}

// HandleSignal applies one signal message from the remote peer. Rejected
// messages leave the state unchanged unless the error says otherwise.
func (e *Engine) HandleSignal(ctx context.Context, msg *payload.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationProtocol, err)
	}

	if msg.SDP != nil {
		if err := sdpdebug.Validate(*msg.SDP); err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiationProtocol, err)
		}
	}

	e.mu.Lock()
	defer e.unlock()

	switch msg.Type {
	case payload.SignalTypeOffer:
		return e.handleOfferLocked(ctx, *msg.SDP)
	case payload.SignalTypeAnswer:
		return e.handleAnswerLocked(*msg.SDP)
	default:
		e.addCandidateLocked(*msg.Candidate)
		return nil
	}
}

// AddCandidates hands over candidates that arrived before this engine existed.
func (e *Engine) AddCandidates(candidates []webrtc.ICECandidateInit) {
	e.mu.Lock()
	defer e.unlock()

	for _, c := range candidates {
		e.addCandidateLocked(c)
	}
}

// Close tears the negotiation down. It is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.unlock()

	e.teardownLocked(nil)
}

func (e *Engine) handleOfferLocked(ctx context.Context, offer webrtc.SessionDescription) error {
	switch {
	case e.state == StateClosed:
		return fmt.Errorf("%w: offer after close", ErrNegotiationProtocol)
	case e.state.answering():
		return fmt.Errorf("%w: offer in state %s", ErrNegotiationProtocol, e.state)
	case e.state.awaitingAnswer():
		if !e.polite() {
			slog.Info("ignoring colliding offer", "peer_id", e.options.PeerID, "state", e.state.String())
			return nil
		}
		slog.Info("abandoning local offer", "peer_id", e.options.PeerID, "state", e.state.String())
		e.releaseLocked()
	case e.state == StateConnected:
		slog.Info("renegotiating", "peer_id", e.options.PeerID)
		e.releaseLocked()
	}

	return e.answerLocked(ctx, offer)
}

func (e *Engine) answerLocked(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := e.prepareLocked(ctx); err != nil {
		e.setStateLocked(StateIdle)
		e.reportLocked(err)
		return err
	}

	e.dumpLocked("remote", offer)

	if err := e.transport.SetRemoteDescription(offer); err != nil {
		e.releaseLocked()
		e.setStateLocked(StateIdle)
		return fmt.Errorf("%w: set remote offer: %w", ErrNegotiationProtocol, err)
	}
	e.remoteSet = true

	e.setStateLocked(StateOfferReceived)
	e.startTimerLocked()

	if e.track != nil {
		if err := e.transport.AddTrack(e.track.Local()); err != nil {
			e.teardownLocked(err)
			return fmt.Errorf("add media: %w", err)
		}
	}

	e.flushLocked()

	answer, err := e.transport.CreateAnswer()
	if err != nil {
		e.teardownLocked(err)
		return fmt.Errorf("create answer: %w", err)
	}
	e.dumpLocked("local", answer)

	if err := e.signalLocked(ctx, payload.NewAnswerMessage(answer)); err != nil {
		e.teardownLocked(err)
		return err
	}

	e.setStateLocked(StateAnswerSent)

	return nil
}

func (e *Engine) handleAnswerLocked(answer webrtc.SessionDescription) error {
	if !e.state.awaitingAnswer() {
		return fmt.Errorf("%w: stale answer in state %s", ErrNegotiationProtocol, e.state)
	}

	e.dumpLocked("remote", answer)

	if err := e.transport.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %w", ErrNegotiationProtocol, err)
	}
	e.remoteSet = true

	e.flushLocked()
	e.stopTimerLocked()
	e.setStateLocked(StateConnected)

	return nil
}

func (e *Engine) addCandidateLocked(candidate webrtc.ICECandidateInit) {
	if e.state == StateClosed {
		slog.Debug("dropping candidate after close", "peer_id", e.options.PeerID)
		return
	}

	if !e.remoteSet {
		e.pending.PushBack(candidate)
		return
	}

	e.applyLocked(candidate)
}

func (e *Engine) flushLocked() {
	for e.pending.Len() > 0 {
		e.applyLocked(e.pending.PopFront())
	}
}

func (e *Engine) applyLocked(candidate webrtc.ICECandidateInit) {
	if err := e.transport.AddICECandidate(candidate); err != nil {
		slog.Warn("failed to add ice candidate", "peer_id", e.options.PeerID, "candidate", candidate.Candidate, "error", err)
		return
	}
	e.applied = append(e.applied, candidate)
}

// prepareLocked acquires media and creates the transport. On failure nothing
// is left held.
func (e *Engine) prepareLocked(ctx context.Context) error {
	if e.options.Source != nil {
		track, err := e.options.Source.Acquire(ctx, e.options.Constraints)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
		}
		e.track = track
	}

	transport, err := e.options.NewTransport(e.options.PeerID)
	if err != nil {
		e.releaseLocked()
		return fmt.Errorf("create transport: %w", err)
	}
	e.transport = transport
	e.wireLocked(transport)

	return nil
}

func (e *Engine) wireLocked(transport PeerTransport) {
	gen := e.gen
	peerID := e.options.PeerID

	transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if e.current.Load() != gen {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()

		if err := e.options.Signaler.Signal(ctx, peerID, payload.NewCandidateMessage(candidate)); err != nil {
			slog.Warn("failed to send ice candidate", "peer_id", peerID, "error", err)
		}
	})

	e.eventsMu.Lock()
	if e.events == nil && !e.eventsStopped {
		e.events = workerpool.New(1)
	}
	e.eventsMu.Unlock()

	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.post(func() {
			e.handleTransportState(gen, state)
		})
	})

	transport.OnTrack(func(track *webrtc.TrackRemote) {
		if e.current.Load() != gen || e.options.OnTrack == nil {
			return
		}
		go e.options.OnTrack(peerID, track, transport)
	})
}

// post queues fn behind earlier transport events. pion may call back while mu
// is held, so fn never runs on the caller's goroutine.
func (e *Engine) post(fn func()) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()

	if e.events == nil {
		return
	}
	e.events.Submit(fn)
}

func (e *Engine) stopEvents() {
	e.eventsMu.Lock()
	pool := e.events
	e.events = nil
	e.eventsStopped = true
	e.eventsMu.Unlock()

	if pool != nil {
		// queued events would only wait on mu and find a stale generation
		go pool.Stop()
	}
}

func (e *Engine) handleTransportState(gen uint64, state webrtc.PeerConnectionState) {
	e.mu.Lock()
	defer e.unlock()

	if gen != e.gen {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if e.state.answering() {
			e.stopTimerLocked()
			e.setStateLocked(StateConnected)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		e.teardownLocked(ErrTransportDisconnected)
	}
}

func (e *Engine) signalLocked(ctx context.Context, msg *payload.SignalMessage) error {
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()

	if err := e.options.Signaler.Signal(ctx, e.options.PeerID, msg); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrTransportDisconnected, msg.Type, err)
	}
	return nil
}

func (e *Engine) startTimerLocked() {
	e.stopTimerLocked()

	gen := e.gen
	e.timer = time.AfterFunc(e.options.Timeout, func() {
		e.onTimeout(gen)
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onTimeout(gen uint64) {
	e.mu.Lock()
	defer e.unlock()

	if gen != e.gen || e.state.Terminal() {
		return
	}

	slog.Warn("negotiation timed out", "peer_id", e.options.PeerID, "state", e.state.String(), "timeout", e.options.Timeout)
	e.teardownLocked(ErrNegotiationTimeout)
}

// releaseLocked drops the transport and media of the current attempt. Buffered
// candidates survive so a glare or renegotiation restart can still use them.
func (e *Engine) releaseLocked() {
	e.stopTimerLocked()
	e.remoteSet = false
	e.applied = nil

	e.gen++
	e.current.Store(e.gen)

	if e.track != nil {
		if err := e.options.Source.Release(e.track); err != nil {
			slog.Warn("failed to release media", "peer_id", e.options.PeerID, "error", err)
		}
		e.track = nil
	}

	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			slog.Warn("failed to close transport", "peer_id", e.options.PeerID, "error", err)
		}
		e.transport = nil
	}
}

func (e *Engine) teardownLocked(reason error) {
	if e.state == StateClosed {
		return
	}

	e.releaseLocked()
	e.stopEvents()
	e.pending.Clear()
	e.setStateLocked(StateClosed)
	e.reportLocked(reason)
}

func (e *Engine) reportLocked(err error) {
	if err == nil || e.options.OnFailed == nil {
		return
	}

	peerID := e.options.PeerID
	e.deferred = append(e.deferred, func() {
		e.options.OnFailed(peerID, err)
	})
}

func (e *Engine) setStateLocked(state State) {
	if e.state == state {
		return
	}

	slog.Info("negotiation state changed",
		slog.String("peer_id", e.options.PeerID),
		slog.String("from", e.state.String()),
		slog.String("to", state.String()),
	)
	e.state = state

	if e.options.OnStateChange != nil {
		peerID := e.options.PeerID
		e.deferred = append(e.deferred, func() {
			e.options.OnStateChange(peerID, state)
		})
	}
}

func (e *Engine) dumpLocked(label string, sd webrtc.SessionDescription) {
	if !e.options.DumpSDP {
		return
	}
	sdpdebug.SaveAndLogSDP(e.options.DumpDir, e.options.LocalID+"-"+e.options.PeerID+"-"+label, sd)
}

// polite は衝突した Offer を譲る側かどうかを返します。
func (e *Engine) polite() bool {
	return e.options.LocalID < e.options.PeerID
}

// unlock releases mu and then runs the callbacks queued while it was held.
func (e *Engine) unlock() {
	deferred := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
}
