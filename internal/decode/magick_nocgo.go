//go:build !cgo

package decode

import (
	"fmt"

	"astrostack/internal/frame"
)

// readMagick requires cgo for the ImageMagick bindings; without cgo the
// fallback decoder is unavailable.
func readMagick(path string) (*frame.Frame, error) {
	return nil, fmt.Errorf("imagemagick decoder unavailable: built without cgo")
}
