package negotiation

import (
	"context"

	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

//go:generate mockgen -source transport.go -destination mock/transport.go

// PeerTransport is the direct media transport to one remote peer.
// *pkg/webrtc.PeerConnection implements it.
type PeerTransport interface {
	AddTrack(track webrtc.TrackLocal) error
	AddRecvOnlyVideo() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	WriteRTCP(pkts []rtcp.Packet) error
	OnICECandidate(handler func(webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(webrtc.PeerConnectionState))
	OnTrack(handler func(*webrtc.TrackRemote))
	Close() error
}

// Signaler delivers a signal message to one remote peer through the relay.
type Signaler interface {
	Signal(ctx context.Context, to string, msg *payload.SignalMessage) error
}

type TransportFactory func(peerID string) (PeerTransport, error)
