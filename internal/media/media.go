// Package media defines the capture capabilities consumed by the negotiation
// engine and the chunk streamer, plus file backed sources used by the client
// binary in place of a real camera.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrSourceBusy     = errors.New("media source already acquired")
	ErrUnknownTrack   = errors.New("track was not acquired from this source")
	ErrTrackFinalized = errors.New("track already finalized")
)

type Constraints struct {
	Video bool
	Audio bool
}

// Track is a live capture acquired from a Source.
//
//go:generate mockgen -source media.go -destination mock/media.go
type Track interface {
	ID() string
	// Local feeds a direct transport. It may be nil for chunk-only sources.
	Local() webrtc.TrackLocal
	// Flush returns the bytes captured since the previous boundary.
	Flush() ([]byte, error)
	// Finalize stops capture and returns the naturally finalized last chunk,
	// possibly empty.
	Finalize() ([]byte, error)
}

// Source hands out one Track at a time.
type Source interface {
	Acquire(ctx context.Context, constraints Constraints) (Track, error)
	Release(track Track) error
}

type Still struct {
	MimeType   string
	Data       []byte
	CapturedAt time.Time
}

type StillSource interface {
	Capture(ctx context.Context) (*Still, error)
}
