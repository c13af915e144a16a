package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/sourcegraph/jsonrpc2"
)

// RouteResult is the reply to a message sent as a request instead of a
// notification.
type RouteResult struct {
	Delivered int `json:"delivered"`
}

// Handler dispatches inbound messages of one session. jsonrpc2 invokes it
// serially, so per-sender order is kept.
type Handler struct {
	relay   *Relay
	ready   chan struct{}
	session *Session
}

func newHandler(relay *Relay) *Handler {
	return &Handler{
		relay: relay,
		ready: make(chan struct{}),
	}
}

func (h *Handler) bind(session *Session) {
	h.session = session
	close(h.ready)
}

func (h *Handler) Handle(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return
	}

	kind := payload.Kind(request.Method)
	if !kind.ClientOriginated() {
		slog.Warn("unknown method", "session_id", h.session.ID(), "method", request.Method)
		h.replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method"})
		return
	}

	if request.Params == nil {
		h.replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "Invalid params"})
		return
	}

	var env payload.Envelope
	if err := json.Unmarshal(*request.Params, &env); err != nil {
		slog.Warn("failed to decode envelope", "session_id", h.session.ID(), "method", request.Method, "error", err)
		h.replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "Invalid params"})
		return
	}

	delivered := h.relay.Route(ctx, h.session, kind, &env)

	if request.Notif {
		return
	}

	if err := conn.Reply(ctx, request.ID, RouteResult{Delivered: delivered}); err != nil {
		slog.Error("failed to send reply", "session_id", h.session.ID(), "error", err)
	}
}

func (h *Handler) replyError(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request, rpcErr *jsonrpc2.Error) {
	if request.Notif {
		return
	}

	if err := conn.ReplyWithError(ctx, request.ID, rpcErr); err != nil {
		slog.Error("failed to send error reply", "session_id", h.session.ID(), "error", err)
	}
}
