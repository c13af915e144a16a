// Package streamer publishes the camera as periodic media chunks through the
// relay when no direct transport is used.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/aeyes/internal/channel"
	"github.com/HMasataka/aeyes/internal/media"
	"github.com/HMasataka/aeyes/internal/negotiation"
	payload "github.com/HMasataka/aeyes/payload/relay"
)

const (
	DefaultInterval = 2 * time.Second

	publishTimeout = 10 * time.Second
)

var (
	ErrAlreadyStreaming = errors.New("already streaming")
	ErrNoStillSource    = errors.New("no still source configured")
)

type Options struct {
	Interval    time.Duration
	Constraints media.Constraints

	// OnStopped は送信路の切断で自ら停止したときに呼ばれる
	OnStopped func(err error)
}

func DefaultOptions() Options {
	return Options{
		Interval:    DefaultInterval,
		Constraints: media.Constraints{Video: true},
	}
}

type Streamer struct {
	sender  channel.Sender
	source  media.Source
	stills  media.StillSource
	options Options

	mu      sync.Mutex
	running bool
	track   media.Track
	stop    chan struct{}
	done    chan struct{}

	liveSeq  atomic.Uint64
	photoSeq atomic.Uint64
}

func New(sender channel.Sender, source media.Source, stills media.StillSource, options Options) *Streamer {
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}

	return &Streamer{
		sender:  sender,
		source:  source,
		stills:  stills,
		options: options,
	}
}

func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start acquires the media source and begins publishing a chunk every
// interval.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStreaming
	}

	track, err := s.source.Acquire(ctx, s.options.Constraints)
	if err != nil {
		return fmt.Errorf("%w: %w", negotiation.ErrMediaAcquisition, err)
	}

	s.running = true
	s.track = track
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(track, s.stop, s.done)

	slog.Info("streaming started", "session_id", s.sender.ID(), "interval", s.options.Interval)

	return nil
}

// Stop waits for an in-flight publish, publishes the final chunk if the
// recorder produced one and releases the source. Nothing is published after
// it returns. It is idempotent.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	close(s.stop)
	<-s.done

	final, err := s.track.Finalize()
	if err != nil {
		slog.Warn("failed to finalize recording", "error", err)
	}
	if len(final) > 0 {
		if err := s.publish(final); err != nil {
			slog.Debug("final chunk not published", "error", err)
		}
	}

	if err := s.source.Release(s.track); err != nil {
		slog.Warn("failed to release media", "error", err)
	}
	s.track = nil

	slog.Info("streaming stopped", "session_id", s.sender.ID(), "chunks", s.liveSeq.Load())
}

// CapturePhoto publishes one still, independent of the chunk timer.
func (s *Streamer) CapturePhoto(ctx context.Context) error {
	if s.stills == nil {
		return ErrNoStillSource
	}

	still, err := s.stills.Capture(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", negotiation.ErrMediaAcquisition, err)
	}

	photo := payload.NewPhotoData(s.photoSeq.Add(1), still.CapturedAt, still.MimeType, still.Data)
	if err := s.sender.Send(ctx, payload.KindPhotoData, "", photo); err != nil {
		return s.wrapSendError(err)
	}

	slog.Info("photo published", "session_id", s.sender.ID(), "bytes", len(still.Data))

	return nil
}

func (s *Streamer) loop(track media.Track, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		chunk, err := track.Flush()
		if err != nil {
			slog.Warn("failed to flush recording", "error", err)
			continue
		}
		if len(chunk) == 0 {
			continue
		}

		if err := s.publish(chunk); err != nil {
			if errors.Is(err, negotiation.ErrTransportDisconnected) {
				slog.Warn("channel closed, stopping stream", "error", err)
				go s.stopForDisconnect(err)
				return
			}
			slog.Warn("failed to publish chunk", "error", err)
		}
	}
}

func (s *Streamer) stopForDisconnect(err error) {
	s.Stop()

	if s.options.OnStopped != nil {
		s.options.OnStopped(err)
	}
}

func (s *Streamer) publish(chunk []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	data := payload.NewLiveData(s.liveSeq.Add(1), time.Now(), chunk)
	if err := s.sender.Send(ctx, payload.KindLiveData, "", data); err != nil {
		return s.wrapSendError(err)
	}
	return nil
}

func (s *Streamer) wrapSendError(err error) error {
	if errors.Is(err, channel.ErrChannelClosed) {
		return fmt.Errorf("%w: %w", negotiation.ErrTransportDisconnected, err)
	}
	return err
}
