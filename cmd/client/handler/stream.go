package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/HMasataka/aeyes/cmd/client/lib"
	"github.com/HMasataka/aeyes/internal/client"
)

type StreamCommand struct {
	BaseCommand
	Camera   string        `long:"camera" description:"IVF file played as the camera" required:"true"`
	Duration time.Duration `long:"duration" description:"Stop after this long (0 streams until interrupted)"`
}

func NewStreamCommand() *StreamCommand {
	return &StreamCommand{}
}

func (cmd *StreamCommand) Execute(args []string) error {
	c, err := cmd.open(lib.SessionOptions{CameraPath: cmd.Camera}, client.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetMode(context.Background(), client.ModeRelayed); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	wait(c, cmd.Duration)

	return nil
}
