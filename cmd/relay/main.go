package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/aeyes/internal/config"
	"github.com/HMasataka/aeyes/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	addr := flag.String("addr", "", "listen address, overrides relay.addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}

	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	r := relay.New(relay.Options{
		OutboundQueue:    cfg.Relay.OutboundQueue,
		PresenceDebounce: cfg.Relay.PresenceDebounceDuration(),
	})

	s := relay.NewServer(r, relay.ServerOptions{
		DefaultRoom:    cfg.Relay.DefaultRoom,
		ReadTimeout:    cfg.Relay.ReadTimeoutDuration(),
		PingInterval:   cfg.Relay.PingIntervalDuration(),
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)

	server := &http.Server{
		Addr:    cfg.Relay.Addr,
		Handler: mux,
	}

	go func() {
		slog.Info("relay starting", "addr", cfg.Relay.Addr, "default_room", cfg.Relay.DefaultRoom)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.Close()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown failed", slog.String("error", err.Error()))
		server.Close()
	}
}
