package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HMasataka/aeyes/cmd/client/lib"
	"github.com/HMasataka/aeyes/internal/client"
	"github.com/HMasataka/aeyes/internal/negotiation"
)

const peerWait = 5 * time.Second

type CallCommand struct {
	BaseCommand
	Peer   string `long:"peer" description:"Session ID to call (defaults to the first peer in the room)"`
	Camera string `long:"camera" description:"IVF file played as the camera; receive only when empty"`
}

func NewCallCommand() *CallCommand {
	return &CallCommand{}
}

func (cmd *CallCommand) Execute(args []string) error {
	failed := make(chan error, 1)
	options := client.Options{
		OnFailed: func(peerID string, err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}

	c, err := cmd.open(lib.SessionOptions{CameraPath: cmd.Camera}, options)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetMode(context.Background(), client.ModeNegotiated); err != nil {
		return err
	}

	peer, err := cmd.target(c)
	if err != nil {
		return err
	}

	if err := c.Call(context.Background(), peer); err != nil {
		return fmt.Errorf("call %s: %w", peer, err)
	}

	fmt.Printf("calling %s\n", peer)

	done := make(chan struct{})
	go func() {
		wait(c, 0)
		close(done)
	}()

	select {
	case err := <-failed:
		if errors.Is(err, negotiation.ErrNegotiationTimeout) {
			return fmt.Errorf("no answer from %s: %w", peer, err)
		}
		return err
	case <-done:
		return nil
	}
}

func (cmd *CallCommand) target(c *client.Client) (string, error) {
	if cmd.Peer != "" {
		return cmd.Peer, nil
	}

	deadline := time.Now().Add(peerWait)
	for time.Now().Before(deadline) {
		if peers := c.Peers(); len(peers) > 0 {
			return peers[0], nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return "", errors.New("no peer in the room")
}
