package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/aeyes/cmd/client/lib"
	"github.com/HMasataka/aeyes/internal/client"
	"github.com/HMasataka/aeyes/internal/config"
)

const dialTimeout = 30 * time.Second

type BaseCommand struct {
	RelayURL string `long:"relay" description:"Relay websocket URL" default:"ws://localhost:5000/ws"`
	Room     string `long:"room" description:"Room to join" default:"default"`
	Config   string `long:"config" description:"Config file path"`
}

func (cmd *BaseCommand) open(session lib.SessionOptions, options client.Options) (*client.Client, error) {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return nil, err
	}

	level, _ := cfg.Log.SlogLevel()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	session.RelayURL = cmd.RelayURL
	session.Room = cmd.Room

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	c, err := lib.Open(ctx, cfg, session, options)
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	fmt.Printf("session %s\n", c.ID())

	return c, nil
}

// wait blocks until an interrupt, the channel drops or d elapses. A zero d
// waits without limit.
func wait(c *client.Client, d time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-sigCh:
	case <-c.Done():
	case <-timeout:
	}
}
