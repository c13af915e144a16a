// Package relay implements the signaling relay: a broker that tags every
// connected channel with a session id and forwards messages between sessions
// of the same room by message kind only. Payloads are never interpreted.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/HMasataka/logging"
	"github.com/bep/debounce"
	"github.com/rs/xid"
	"github.com/samber/lo"
)

// ErrRoutingTargetGone is logged, never returned to a sender.
var ErrRoutingTargetGone = errors.New("routing target gone")

type Options struct {
	OutboundQueue    int
	PresenceDebounce time.Duration
}

func DefaultOptions() Options {
	return Options{
		OutboundQueue:    256,
		PresenceDebounce: 250 * time.Millisecond,
	}
}

// Relay owns the routing table: room -> session id -> session.
type Relay struct {
	options Options

	mu       sync.RWMutex
	rooms    map[string]map[string]*Session
	presence map[string]func(func())
}

func New(options Options) *Relay {
	if options.OutboundQueue <= 0 {
		options.OutboundQueue = DefaultOptions().OutboundQueue
	}

	return &Relay{
		options:  options,
		rooms:    make(map[string]map[string]*Session),
		presence: make(map[string]func(func())),
	}
}

// Connect registers a channel and makes it reachable for later broadcasts.
// It always succeeds.
func (r *Relay) Connect(ctx context.Context, room string, conn Notifier) *Session {
	session := newSession(xid.New().String(), room, conn, r.options.OutboundQueue)

	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[session.id] = session
	r.mu.Unlock()

	welcome, err := payload.NewEnvelope("", payload.Welcome{SessionID: session.id, Room: room})
	if err == nil {
		err = session.enqueue(payload.KindWelcome, welcome)
	}
	if err != nil {
		slog.Warn("failed to send welcome", "session_id", session.id, "error", err)
	}

	if logging.HasLoggingContext(ctx) {
		slog.InfoContext(ctx, "session connected", slog.String("session_id", session.id), slog.String("room", room))
	} else {
		slog.Info("session connected", slog.String("session_id", session.id), slog.String("room", room))
	}

	r.schedulePresence(room)

	return session
}

// Disconnect removes the session from the routing set. Messages still queued
// for it are dropped.
func (r *Relay) Disconnect(session *Session) {
	r.mu.Lock()
	if members, ok := r.rooms[session.room]; ok && members[session.id] == session {
		delete(members, session.id)
		if len(members) == 0 {
			delete(r.rooms, session.room)
		}
	}
	r.mu.Unlock()

	session.close()

	slog.Info("session disconnected", slog.String("session_id", session.id), slog.String("room", session.room))

	r.schedulePresence(session.room)
}

// Route forwards env from sender according to kind and returns how many
// sessions it was queued for. signal goes to every other member of the room,
// or only to env.To when set; liveData and photoData go to every member,
// sender included.
func (r *Relay) Route(ctx context.Context, sender *Session, kind payload.Kind, env *payload.Envelope) int {
	if !kind.ClientOriginated() {
		slog.Warn("dropping message of unroutable kind", "session_id", sender.id, "kind", kind)
		return 0
	}

	out := &payload.Envelope{From: sender.id, To: env.To, Data: env.Data}

	targets := r.targets(sender, kind, env.To)
	if len(targets) == 0 && kind == payload.KindSignal && env.To != "" {
		slog.DebugContext(ctx, "signal target not connected", "session_id", sender.id, "to", env.To, "error", ErrRoutingTargetGone)
		return 0
	}

	delivered := 0
	for _, target := range targets {
		if err := target.enqueue(kind, out); err != nil {
			slog.Debug("skipping target", "session_id", sender.id, "target", target.id, "kind", kind, "error", errors.Join(ErrRoutingTargetGone, err))
			continue
		}
		delivered++
	}

	return delivered
}

func (r *Relay) targets(sender *Session, kind payload.Kind, to string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[sender.room]
	if members[sender.id] != sender {
		// sender already disconnected
		return nil
	}

	if kind.Broadcast() {
		return lo.Values(members)
	}

	if to != "" {
		target, ok := members[to]
		if !ok || target == sender {
			return nil
		}
		return []*Session{target}
	}

	return lo.Filter(lo.Values(members), func(s *Session, _ int) bool {
		return s != sender
	})
}

// Sessions returns the sorted session ids of a room.
func (r *Relay) Sessions(room string) []string {
	r.mu.RLock()
	ids := lo.Keys(r.rooms[room])
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Close disconnects every session.
func (r *Relay) Close() {
	r.mu.Lock()
	var sessions []*Session
	for _, members := range r.rooms {
		sessions = append(sessions, lo.Values(members)...)
	}
	r.rooms = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (r *Relay) schedulePresence(room string) {
	if r.options.PresenceDebounce <= 0 {
		r.broadcastPeers(room)
		return
	}

	r.mu.Lock()
	debounced, ok := r.presence[room]
	if !ok {
		debounced = debounce.New(r.options.PresenceDebounce)
		r.presence[room] = debounced
	}
	r.mu.Unlock()

	debounced(func() {
		r.broadcastPeers(room)
	})
}

func (r *Relay) broadcastPeers(room string) {
	r.mu.Lock()
	members := lo.Values(r.rooms[room])
	if len(members) == 0 {
		delete(r.presence, room)
	}
	r.mu.Unlock()

	if len(members) == 0 {
		return
	}

	ids := lo.Map(members, func(s *Session, _ int) string { return s.id })
	slices.Sort(ids)

	env, err := payload.NewEnvelope("", payload.Peers{Room: room, SessionIDs: ids})
	if err != nil {
		slog.Error("failed to encode peers", "room", room, "error", err)
		return
	}

	for _, s := range members {
		if err := s.enqueue(payload.KindPeers, env); err != nil {
			slog.Debug("skipping presence target", "session_id", s.id, "error", err)
		}
	}
}
