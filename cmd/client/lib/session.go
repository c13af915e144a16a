// Package lib connects a client process to the relay from a config.
package lib

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HMasataka/aeyes/internal/channel"
	"github.com/HMasataka/aeyes/internal/client"
	"github.com/HMasataka/aeyes/internal/config"
	"github.com/HMasataka/aeyes/internal/media"
	"github.com/HMasataka/aeyes/internal/negotiation"
	"github.com/HMasataka/aeyes/pkg/retry"
	pkgwebrtc "github.com/HMasataka/aeyes/pkg/webrtc"
)

type SessionOptions struct {
	RelayURL string
	Room     string

	CameraPath string
	StillPath  string
}

// Open dials the relay and builds a client around the channel.
func Open(ctx context.Context, cfg config.Config, options SessionOptions, clientOptions client.Options) (*client.Client, error) {
	pcOptions, err := cfg.WebRTC.PeerConnectionOptions()
	if err != nil {
		return nil, fmt.Errorf("webrtc options: %w", err)
	}

	ch, err := channel.Dial(ctx, options.RelayURL, options.Room, retry.DefaultConfig())
	if err != nil {
		return nil, err
	}

	if options.CameraPath != "" {
		clientOptions.Source = media.NewIVFSource(options.CameraPath)
	}
	if options.StillPath != "" {
		clientOptions.Stills = media.NewFileStillSource(options.StillPath)
	}

	clientOptions.NewTransport = func(peerID string) (negotiation.PeerTransport, error) {
		pc, err := pkgwebrtc.NewPeerConnection(peerID, pcOptions)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
	clientOptions.Timeout = cfg.Negotiation.TimeoutDuration()
	clientOptions.DumpSDP = cfg.Negotiation.DumpSDP
	clientOptions.DumpDir = cfg.Negotiation.DumpDir
	clientOptions.Interval = cfg.Streamer.IntervalDuration()

	if clientOptions.OnStateChange == nil {
		clientOptions.OnStateChange = func(peerID string, state negotiation.State) {
			slog.Info("negotiation", "peer_id", peerID, "state", state.String())
		}
	}

	return client.New(ch, clientOptions), nil
}
