package sdpdebug

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrNoMediaSection = errors.New("sdp has no media section")

// Summary is what the negotiation logs care about in a descriptor.
type Summary struct {
	Type       string
	Media      []string
	Mids       []string
	Candidates int
}

// Summarize parses the descriptor with pion/sdp.
func Summarize(sd webrtc.SessionDescription) (Summary, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return Summary{}, fmt.Errorf("parse sdp: %w", err)
	}

	summary := Summary{Type: sd.Type.String()}
	for _, md := range parsed.MediaDescriptions {
		summary.Media = append(summary.Media, md.MediaName.Media)

		for _, attr := range md.Attributes {
			switch attr.Key {
			case sdp.AttrKeyMID:
				summary.Mids = append(summary.Mids, attr.Value)
			case sdp.AttrKeyCandidate:
				summary.Candidates++
			}
		}
	}

	return summary, nil
}

// Validate rejects descriptors that cannot be parsed or negotiate nothing.
func Validate(sd webrtc.SessionDescription) error {
	summary, err := Summarize(sd)
	if err != nil {
		return err
	}

	if len(summary.Media) == 0 {
		return ErrNoMediaSection
	}

	return nil
}

// SaveAndLogSDP writes the SDP under dir and logs its summary. It is intended
// to be called right before SetRemoteDescription so you can verify what the
// peer proposed.
func SaveAndLogSDP(dir, label string, sd webrtc.SessionDescription) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create sdp dump dir", "error", err, "dir", dir)
		return
	}

	ts := time.Now().Format("20060102-150405.000")
	fname := fmt.Sprintf("%s_%s_%s.sdp", ts, sanitize(label), strings.ToLower(sd.Type.String()))
	path := filepath.Join(dir, fname)

	if err := os.WriteFile(path, []byte(sd.SDP), 0o644); err != nil {
		slog.Error("failed to write sdp dump", "error", err, "path", path)
		return
	}

	summary, err := Summarize(sd)
	if err != nil {
		slog.Warn("SDP dump saved but not parsable", "path", path, "error", err)
		return
	}

	slog.Info("SDP dump saved",
		slog.String("path", path),
		slog.String("label", label),
		slog.String("type", summary.Type),
		slog.Any("media", summary.Media),
		slog.Int("candidates", summary.Candidates),
	)
}

func sanitize(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, label)
}
