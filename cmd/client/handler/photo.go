package handler

import (
	"context"
	"fmt"

	"github.com/HMasataka/aeyes/cmd/client/lib"
	"github.com/HMasataka/aeyes/internal/client"
)

type PhotoCommand struct {
	BaseCommand
	Image string `long:"image" description:"Image file sent as the captured still" required:"true"`
}

func NewPhotoCommand() *PhotoCommand {
	return &PhotoCommand{}
}

func (cmd *PhotoCommand) Execute(args []string) error {
	c, err := cmd.open(lib.SessionOptions{StillPath: cmd.Image}, client.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CapturePhoto(context.Background()); err != nil {
		return fmt.Errorf("capture photo: %w", err)
	}

	fmt.Println("Photo sent successfully")

	return nil
}
