package media

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// FileStillSource captures a still by reading an image file.
type FileStillSource struct {
	path string
	now  func() time.Time
}

var _ StillSource = (*FileStillSource)(nil)

func NewFileStillSource(path string) *FileStillSource {
	return &FileStillSource{path: path, now: time.Now}
}

func (s *FileStillSource) Capture(ctx context.Context) (*Still, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("capture still: %w", err)
	}

	return &Still{
		MimeType:   http.DetectContentType(data),
		Data:       data,
		CapturedAt: s.now(),
	}, nil
}
