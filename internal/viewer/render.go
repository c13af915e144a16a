package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

type TrackStats struct {
	PacketsReceived  uint64
	BytesReceived    uint64
	KeyFrameRequests uint64
	CodecName        string
	ClockRate        uint32
}

// RemoteTrack is the read side of a remote track. *webrtc.TrackRemote
// implements it.
type RemoteTrack interface {
	ID() string
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

type Renderer interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// NewIVFRenderer writes the depacketized stream to an IVF file.
func NewIVFRenderer(path, mimeType string) (Renderer, error) {
	w, err := ivfwriter.New(path, ivfwriter.WithCodec(mimeType))
	if err != nil {
		return nil, fmt.Errorf("create ivf writer: %w", err)
	}
	return w, nil
}

type DiscardRenderer struct{}

func (DiscardRenderer) WriteRTP(*rtp.Packet) error { return nil }

func (DiscardRenderer) Close() error { return nil }

// Render consumes track until it ends. A picture loss indication is sent
// first so the publisher starts with a key frame.
func (s *Sink) Render(ctx context.Context, peerID string, track RemoteTrack, writer RTCPWriter, renderer Renderer) error {
	defer func() {
		if err := renderer.Close(); err != nil {
			slog.Warn("failed to close renderer", "peer_id", peerID, "error", err)
		}
	}()

	codec := track.Codec()
	s.updateStats(peerID, func(st *TrackStats) {
		*st = TrackStats{CodecName: codec.MimeType, ClockRate: codec.ClockRate}
	})

	slog.Info("rendering remote track", "peer_id", peerID, "track_id", track.ID(), "codec", codec.MimeType)

	s.requestKeyFrame(peerID, track, writer)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read remote track: %w", err)
		}

		s.updateStats(peerID, func(st *TrackStats) {
			st.PacketsReceived++
			st.BytesReceived += uint64(len(packet.Payload))
		})

		if err := renderer.WriteRTP(packet); err != nil {
			return fmt.Errorf("render packet: %w", err)
		}
	}
}

func (s *Sink) requestKeyFrame(peerID string, track RemoteTrack, writer RTCPWriter) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
	if err := writer.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		slog.Warn("failed to send pli", "peer_id", peerID, "error", err)
		return
	}

	s.updateStats(peerID, func(st *TrackStats) {
		st.KeyFrameRequests++
	})
}

func (s *Sink) updateStats(peerID string, fn func(*TrackStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tracks[peerID]
	if !ok {
		st = &TrackStats{}
		s.tracks[peerID] = st
	}
	fn(st)
}

func (s *Sink) TrackStats(peerID string) (TrackStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.tracks[peerID]
	if !ok {
		return TrackStats{}, false
	}
	return *st, true
}
