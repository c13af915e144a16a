package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/xid"
)

const (
	ivfFileHeaderSize  = 32
	ivfFrameHeaderSize = 12

	defaultFrameDuration = 33 * time.Millisecond
)

// IVFSource plays an IVF file in a loop as if it were a camera. Frames are
// written to a sample track for direct transports and accumulated for chunked
// relay at the same time.
type IVFSource struct {
	path string

	mu     sync.Mutex
	active *ivfTrack
}

var _ Source = (*IVFSource)(nil)

func NewIVFSource(path string) *IVFSource {
	return &IVFSource{path: path}
}

func (s *IVFSource) Acquire(ctx context.Context, constraints Constraints) (Track, error) {
	if !constraints.Video {
		return nil, errors.New("ivf source only provides video")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrSourceBusy
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("open ivf: %w", err)
	}

	track, err := newIVFTrack(data)
	if err != nil {
		return nil, err
	}

	s.active = track
	go track.pump()

	slog.Info("camera acquired", "path", s.path, "track_id", track.id, "frame_duration", track.frameDuration)

	return track, nil
}

func (s *IVFSource) Release(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := track.(*ivfTrack)
	if !ok || t != s.active {
		return ErrUnknownTrack
	}

	t.stop()
	s.active = nil

	slog.Info("camera released", "path", s.path, "track_id", t.id)

	return nil
}

type ivfTrack struct {
	id            string
	local         *webrtc.TrackLocalStaticSample
	data          []byte
	frameDuration time.Duration

	mu        sync.Mutex
	pending   bytes.Buffer
	finalized bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newIVFTrack(data []byte) (*ivfTrack, error) {
	_, header, err := ivfreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ivf header: %w", err)
	}

	mimeType, err := mimeTypeForFourCC(header.FourCC)
	if err != nil {
		return nil, err
	}

	id := xid.New().String()
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, "video", "aeyes-"+id)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	frameDuration := defaultFrameDuration
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDuration = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ivfTrack{
		id:            id,
		local:         local,
		data:          data,
		frameDuration: frameDuration,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}, nil
}

func mimeTypeForFourCC(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf fourcc %q", fourCC)
}

func (t *ivfTrack) ID() string {
	return t.id
}

func (t *ivfTrack) Local() webrtc.TrackLocal {
	return t.local
}

// Flush returns the frames captured since the previous call wrapped in an IVF
// file header, so each chunk is playable on its own.
func (t *ivfTrack) Flush() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.drainLocked(), nil
}

func (t *ivfTrack) Finalize() ([]byte, error) {
	t.stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return nil, nil
	}
	t.finalized = true

	return t.drainLocked(), nil
}

func (t *ivfTrack) drainLocked() []byte {
	if t.pending.Len() == 0 {
		return nil
	}

	chunk := make([]byte, 0, ivfFileHeaderSize+t.pending.Len())
	chunk = append(chunk, t.data[:ivfFileHeaderSize]...)
	chunk = append(chunk, t.pending.Bytes()...)
	t.pending.Reset()

	return chunk
}

func (t *ivfTrack) stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		<-t.done
	})
}

func (t *ivfTrack) pump() {
	defer close(t.done)

	reader, _, err := ivfreader.NewWith(bytes.NewReader(t.data))
	if err != nil {
		return
	}

	ticker := time.NewTicker(t.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		frame, header, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// loop the recording
			if reader, _, err = ivfreader.NewWith(bytes.NewReader(t.data)); err != nil {
				return
			}
			continue
		}
		if err != nil {
			slog.Error("failed to read ivf frame", "track_id", t.id, "error", err)
			return
		}

		if err := t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: t.frameDuration}); err != nil {
			slog.Debug("failed to write sample", "track_id", t.id, "error", err)
		}

		t.record(frame, header.Timestamp)
	}
}

func (t *ivfTrack) record(frame []byte, timestamp uint64) {
	var hdr [ivfFrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint64(hdr[4:12], timestamp)

	t.mu.Lock()
	t.pending.Write(hdr[:])
	t.pending.Write(frame)
	t.mu.Unlock()
}
