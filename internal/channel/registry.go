package channel

import (
	"context"
	"errors"
	"sync"

	payload "github.com/HMasataka/aeyes/payload/relay"
)

var ErrNoHandler = errors.New("no handler registered")

type Handler interface {
	Handle(ctx context.Context, env *payload.Envelope) error
}

type HandlerFunc func(ctx context.Context, env *payload.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *payload.Envelope) error {
	return f(ctx, env)
}

type HandlerRegistry interface {
	Register(kind payload.Kind, handler Handler)

	Get(kind payload.Kind) (Handler, bool)

	Handle(ctx context.Context, kind payload.Kind, env *payload.Envelope) error
}

// DefaultHandlerRegistry keeps at most one handler per kind. Registering
// again replaces the previous handler; a nil handler removes it.
type DefaultHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[payload.Kind]Handler
}

func NewHandlerRegistry() *DefaultHandlerRegistry {
	return &DefaultHandlerRegistry{
		handlers: make(map[payload.Kind]Handler),
	}
}

func (r *DefaultHandlerRegistry) Register(kind payload.Kind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handler == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = handler
}

func (r *DefaultHandlerRegistry) Get(kind payload.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[kind]
	return handler, ok
}

func (r *DefaultHandlerRegistry) Handle(ctx context.Context, kind payload.Kind, env *payload.Envelope) error {
	if env == nil {
		return errors.New("envelope is nil")
	}

	handler, ok := r.Get(kind)
	if !ok {
		return ErrNoHandler
	}

	return handler.Handle(ctx, env)
}
