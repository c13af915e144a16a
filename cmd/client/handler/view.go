package handler

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/HMasataka/aeyes/cmd/client/lib"
	"github.com/HMasataka/aeyes/internal/client"
	"github.com/HMasataka/aeyes/internal/viewer"
	payload "github.com/HMasataka/aeyes/payload/relay"
	"github.com/pion/webrtc/v4"
)

type ViewCommand struct {
	BaseCommand
	Out    string `long:"out" description:"Directory for received chunks, photos and recordings" default:"received"`
	Direct bool   `long:"direct" description:"Accept direct transports instead of relayed chunks only"`
}

func NewViewCommand() *ViewCommand {
	return &ViewCommand{}
}

func (cmd *ViewCommand) Execute(args []string) error {
	if err := os.MkdirAll(cmd.Out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	options := client.Options{
		OnEntry: cmd.save,
		NewRenderer: func(peerID string, track *webrtc.TrackRemote) (viewer.Renderer, error) {
			return viewer.NewIVFRenderer(filepath.Join(cmd.Out, peerID+".ivf"), track.Codec().MimeType)
		},
	}

	c, err := cmd.open(lib.SessionOptions{}, options)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Direct {
		if err := c.SetMode(context.Background(), client.ModeNegotiated); err != nil {
			return fmt.Errorf("accept calls: %w", err)
		}
	}

	wait(c, 0)

	return nil
}

func (cmd *ViewCommand) save(entry viewer.Entry) {
	var name string
	switch entry.Kind {
	case payload.KindLiveData:
		name = fmt.Sprintf("%s-live-%d-%d.ivf", entry.From, entry.Seq, entry.ReceivedAt.UnixMilli())
	case payload.KindPhotoData:
		ext := ".bin"
		if exts, err := mime.ExtensionsByType(entry.MimeType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
		name = fmt.Sprintf("%s-photo-%d-%d%s", entry.From, entry.Seq, entry.ReceivedAt.UnixMilli(), ext)
	default:
		return
	}

	path := filepath.Join(cmd.Out, name)
	if err := os.WriteFile(path, entry.Data, 0o644); err != nil {
		slog.Warn("failed to save entry", "path", path, "error", err)
		return
	}

	fmt.Printf("%s from %s -> %s\n", entry.Kind, entry.From, path)
}
