// Package viewer consumes a live view, either as relayed chunks and stills or
// as a remote track of a direct transport.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HMasataka/aeyes/internal/channel"
	payload "github.com/HMasataka/aeyes/payload/relay"
)

type Entry struct {
	Kind       payload.Kind
	From       string
	Seq        uint64
	Timestamp  time.Time
	ReceivedAt time.Time
	MimeType   string
	Data       []byte
}

// Subscriber is the inbound half of a channel. *channel.Channel implements it.
type Subscriber interface {
	OnMessage(kind payload.Kind, handler channel.Handler)
}

type Options struct {
	OnEntry func(Entry)
}

// Sink keeps every relayed entry in arrival order. Sequence gaps are counted
// per publisher and kind but never reordered or filled.
type Sink struct {
	options Options

	mu      sync.RWMutex
	entries []Entry
	lastSeq map[string]uint64
	gaps    map[string]uint64
	tracks  map[string]*TrackStats
}

func NewSink(options Options) *Sink {
	return &Sink{
		options: options,
		lastSeq: make(map[string]uint64),
		gaps:    make(map[string]uint64),
		tracks:  make(map[string]*TrackStats),
	}
}

// Attach subscribes the sink to liveData and photoData.
func (s *Sink) Attach(subscriber Subscriber) {
	subscriber.OnMessage(payload.KindLiveData, channel.HandlerFunc(s.HandleLiveData))
	subscriber.OnMessage(payload.KindPhotoData, channel.HandlerFunc(s.HandlePhotoData))
}

// Detach stops receiving relayed entries.
func (s *Sink) Detach(subscriber Subscriber) {
	subscriber.OnMessage(payload.KindLiveData, nil)
	subscriber.OnMessage(payload.KindPhotoData, nil)
}

func (s *Sink) HandleLiveData(ctx context.Context, env *payload.Envelope) error {
	var live payload.LiveData
	if err := env.Decode(&live); err != nil {
		return fmt.Errorf("decode liveData: %w", err)
	}

	s.append(Entry{
		Kind:      payload.KindLiveData,
		From:      env.From,
		Seq:       live.Seq,
		Timestamp: time.UnixMilli(live.Timestamp),
		Data:      live.Chunk,
	})

	return nil
}

func (s *Sink) HandlePhotoData(ctx context.Context, env *payload.Envelope) error {
	var photo payload.PhotoData
	if err := env.Decode(&photo); err != nil {
		return fmt.Errorf("decode photoData: %w", err)
	}

	mimeType, data, err := photo.Image()
	if err != nil {
		return err
	}

	s.append(Entry{
		Kind:      payload.KindPhotoData,
		From:      env.From,
		Seq:       photo.Seq,
		Timestamp: time.UnixMilli(photo.Timestamp),
		MimeType:  mimeType,
		Data:      data,
	})

	return nil
}

func (s *Sink) append(entry Entry) {
	entry.ReceivedAt = time.Now()

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.trackSeqLocked(entry)
	s.mu.Unlock()

	slog.Debug("entry received", "kind", entry.Kind, "from", entry.From, "seq", entry.Seq, "bytes", len(entry.Data))

	if s.options.OnEntry != nil {
		s.options.OnEntry(entry)
	}
}

func (s *Sink) trackSeqLocked(entry Entry) {
	if entry.Seq == 0 {
		return
	}

	key := seqKey(entry.From, entry.Kind)
	last := s.lastSeq[key]

	if last > 0 && entry.Seq > last+1 {
		missing := entry.Seq - last - 1
		s.gaps[key] += missing
		slog.Warn("sequence gap", "from", entry.From, "kind", entry.Kind, "missing", missing)
	}
	if entry.Seq > last {
		s.lastSeq[key] = entry.Seq
	}
}

func (s *Sink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// Gaps returns how many sequence numbers from a publisher were never seen.
func (s *Sink) Gaps(from string, kind payload.Kind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gaps[seqKey(from, kind)]
}

func seqKey(from string, kind payload.Kind) string {
	return from + "/" + string(kind)
}
