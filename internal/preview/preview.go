// Package preview turns linear stacked pixel data into display buffers: a
// plain percentile-stretched grayscale RGBA preview for the app UI, and a
// diagnostic rendering with detected sources circled.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/fogleman/gg"

	"astrostack/internal/detect"
	"astrostack/internal/frame"
)

// stretch percentiles for the linear display mapping
const (
	blackPercentile = 0.005
	whitePercentile = 0.995
)

// RGBA maps the frame linearly between its black and white percentile levels
// into an RGBA8 grayscale buffer of Width*Height*4 bytes. Invalid pixels
// render black.
func RGBA(f *frame.Frame) []uint8 {
	lo, hi := stretchLevels(f)
	scale := 0.0
	if hi > lo {
		scale = 255.0 / (hi - lo)
	}

	out := make([]uint8, len(f.Pixels)*4)
	for i, v := range f.Pixels {
		g := uint8(0)
		if f.Valid == nil || f.Valid.Get(i) {
			s := (float64(v) - lo) * scale
			if s < 0 {
				s = 0
			} else if s > 255 {
				s = 255
			}
			g = uint8(s)
		}
		out[i*4] = g
		out[i*4+1] = g
		out[i*4+2] = g
		out[i*4+3] = 255
	}
	return out
}

// Image wraps RGBA in an image.RGBA sharing no storage with the frame.
func Image(f *frame.Frame) *image.RGBA {
	return &image.RGBA{
		Pix:    RGBA(f),
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// StarOverlay renders the preview with each detected source circled, radius
// tracking its FWHM. Used by the detect CLI command for visual sanity checks.
func StarOverlay(f *frame.Frame, catalog detect.Catalog) image.Image {
	dc := gg.NewContextForImage(Image(f))
	dc.SetColor(color.RGBA{R: 80, G: 220, B: 80, A: 255})
	dc.SetLineWidth(1.5)
	for _, s := range catalog {
		r := s.FWHM * 2
		if r < 4 {
			r = 4
		}
		dc.DrawCircle(s.X, s.Y, r)
		dc.Stroke()
	}
	return dc.Image()
}

// SaveOverlayPNG writes the star overlay rendering to path.
func SaveOverlayPNG(path string, f *frame.Frame, catalog detect.Catalog) error {
	dc := gg.NewContextForImage(StarOverlay(f, catalog))
	if err := dc.SavePNG(path); err != nil {
		return fmt.Errorf("writing overlay %s: %w", path, err)
	}
	return nil
}

// stretchLevels finds the black and white points of the linear mapping.
func stretchLevels(f *frame.Frame) (float64, float64) {
	values := make([]float64, 0, len(f.Pixels))
	for i, v := range f.Pixels {
		if f.Valid == nil || f.Valid.Get(i) {
			values = append(values, float64(v))
		}
	}
	if len(values) == 0 {
		return 0, 0
	}
	sort.Float64s(values)
	lo := values[int(float64(len(values)-1)*blackPercentile)]
	hi := values[int(float64(len(values)-1)*whitePercentile)]
	return lo, hi
}
