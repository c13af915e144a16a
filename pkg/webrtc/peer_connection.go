package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// PeerConnectionOptions represents options for peer connection
type PeerConnectionOptions struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
}

// PeerConnection wraps a WebRTC peer connection. Candidate buffering is left
// to the caller; AddICECandidate fails before a remote description is set.
type PeerConnection struct {
	id string
	pc *webrtc.PeerConnection

	mu        sync.RWMutex
	onTrack   func(*webrtc.TrackRemote)
	onState   func(webrtc.PeerConnectionState)
	onLocalIC func(webrtc.ICECandidateInit)

	closeOnce sync.Once
}

// NewPeerConnection creates a new peer connection with the default codecs registered.
func NewPeerConnection(id string, options PeerConnectionOptions) (*PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(options.SettingEngine),
	)

	pc, err := api.NewPeerConnection(options.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PeerConnection{id: id, pc: pc}
	p.setupEventHandlers()

	return p, nil
}

func (p *PeerConnection) ID() string {
	return p.id
}

// AddTrack adds a local track and drains RTCP for its sender.
func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return nil
}

// AddRecvOnlyVideo makes an offer negotiate video without sending any.
func (p *PeerConnection) AddRecvOnlyVideo() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// CreateOffer creates an SDP offer and sets it as the local description.
// Candidates trickle through OnICECandidate.
func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.New("failed to create offer: " + err.Error())
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.New("failed to set local description: " + err.Error())
	}

	return offer, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.New("failed to create answer: " + err.Error())
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.New("failed to set local description: " + err.Error())
	}

	return answer, nil
}

// SetRemoteDescription sets the remote SDP
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return errors.New("failed to set remote description: " + err.Error())
	}

	return nil
}

// AddICECandidate adds a remote ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.pc.RemoteDescription() == nil {
		return errors.New("remote description not set")
	}

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return errors.New("failed to add ICE candidate: " + err.Error())
	}

	return nil
}

func (p *PeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

// OnICECandidate sets the handler for locally gathered candidates. The end of
// gathering is not reported.
func (p *PeerConnection) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLocalIC = handler
}

func (p *PeerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = handler
}

func (p *PeerConnection) OnTrack(handler func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = handler
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close closes the peer connection
func (p *PeerConnection) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}

func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}

		p.mu.RLock()
		handler := p.onLocalIC
		p.mu.RUnlock()

		if handler != nil {
			handler(c.ToJSON())
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("peer connection state changed", "peer_id", p.id, "state", state.String())

		p.mu.RLock()
		handler := p.onState
		p.mu.RUnlock()

		if handler != nil {
			handler(state)
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.RLock()
		handler := p.onTrack
		p.mu.RUnlock()

		if handler != nil {
			handler(track)
			return
		}

		slog.Warn("remote track dropped, no handler", "peer_id", p.id, "track_id", track.ID())
	})
}
