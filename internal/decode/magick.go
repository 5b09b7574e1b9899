//go:build cgo

package decode

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"astrostack/internal/frame"
)

var magickInit sync.Once

// readMagick decodes through ImageMagick, covering camera RAW and any other
// format without a native reader. The wand exports grayscale intensity as
// floats in [0, 1]; rescaling to 0..65535 keeps RAW frames on the same scale
// as the 16-bit native decoders.
func readMagick(path string) (*frame.Frame, error) {
	magickInit.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagemagick read: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("grayscale conversion: %w", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("exporting pixels: %w", err)
	}
	floatPixels, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel export type %T", pixels)
	}

	f := frame.New(int(width), int(height))
	for i, v := range floatPixels {
		f.Pixels[i] = v * 65535
	}
	return f, nil
}
