// Package decode turns image files into Frames and writes results back out.
// FITS is handled natively, common integer formats go through the stdlib and
// x/image decoders, and everything else (camera RAW included) falls back to
// ImageMagick.
package decode

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"log/slog"

	"astrostack/internal/frame"
)

// readerFunc decodes one file into a frame.
type readerFunc func(path string) (*frame.Frame, error)

// Loader picks a decoder by file extension. Implements the frame loading
// boundary the engine blocks on.
type Loader struct {
	log     *slog.Logger
	readers map[string]readerFunc
}

// NewLoader builds the default decoder registry.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{log: logger, readers: map[string]readerFunc{}}
	for _, ext := range []string{".fits", ".fit", ".fts"} {
		l.readers[ext] = ReadFITS
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".tif", ".tiff"} {
		l.readers[ext] = readStdImage
	}
	return l
}

// Load decodes path into a frame. Unregistered extensions go through the
// ImageMagick fallback, which covers camera RAW formats.
func (l *Loader) Load(ctx context.Context, path string) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	reader, ok := l.readers[ext]
	if !ok {
		l.log.Debug("no native decoder, using imagemagick", "path", path, "ext", ext)
		reader = readMagick
	}
	f, err := reader(path)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	f.Filename = filepath.Base(path)
	return f, nil
}
