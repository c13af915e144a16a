package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
)

const roomQuery = "room"

type ServerOptions struct {
	DefaultRoom    string
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		DefaultRoom:    "default",
		ReadTimeout:    90 * time.Second,
		PingInterval:   15 * time.Second,
		MaxMessageSize: 8 << 20,
	}
}

// Server accepts websocket channels and attaches them to a Relay.
type Server struct {
	relay    *Relay
	options  ServerOptions
	upgrader websocket.Upgrader
}

func NewServer(relay *Relay, options ServerOptions) *Server {
	return &Server{
		relay:   relay,
		options: options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get(roomQuery)
	if room == "" {
		room = s.options.DefaultRoom
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	s.setupKeepAlive(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newHandler(s.relay)
	rpcConn := jsonrpc2.NewConn(ctx, jsonrpc2ws.NewObjectStream(conn), handler)

	session := s.relay.Connect(ctx, room, rpcConn)
	handler.bind(session)

	go s.pingLoop(ctx, conn)

	<-rpcConn.DisconnectNotify()

	s.relay.Disconnect(session)
}

func (s *Server) setupKeepAlive(conn *websocket.Conn) {
	if s.options.MaxMessageSize > 0 {
		conn.SetReadLimit(s.options.MaxMessageSize)
	}

	if s.options.ReadTimeout <= 0 {
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout))
	})
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if s.options.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.options.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
