package preview

import (
	"testing"

	"astrostack/internal/detect"
	"astrostack/internal/frame"
)

func TestRGBAStretch(t *testing.T) {
	f := frame.New(10, 10)
	for i := range f.Pixels {
		f.Pixels[i] = 100
	}
	f.Pixels[0] = 0
	f.Pixels[99] = 1000

	buf := RGBA(f)
	if len(buf) != 10*10*4 {
		t.Fatalf("buffer length %d, want %d", len(buf), 400)
	}
	// darkest pixel maps to 0, brightest to 255
	if buf[0] != 0 {
		t.Fatalf("black point should map to 0, got %d", buf[0])
	}
	if buf[99*4] != 255 {
		t.Fatalf("white point should map to 255, got %d", buf[99*4])
	}
	for i := 0; i < 100; i++ {
		if buf[i*4+3] != 255 {
			t.Fatalf("alpha must be opaque at pixel %d", i)
		}
		if buf[i*4] != buf[i*4+1] || buf[i*4] != buf[i*4+2] {
			t.Fatalf("grayscale preview has unequal channels at pixel %d", i)
		}
	}
}

func TestRGBAInvalidPixelsRenderBlack(t *testing.T) {
	f := frame.New(4, 4)
	for i := range f.Pixels {
		f.Pixels[i] = 500
	}
	f.Valid = frame.NewMaskAllValid(16)
	f.Valid.Clear(3)

	buf := RGBA(f)
	if buf[3*4] != 0 {
		t.Fatalf("invalid pixel should render black, got %d", buf[3*4])
	}
}

func TestStarOverlayDimensions(t *testing.T) {
	f := frame.New(32, 32)
	img := StarOverlay(f, detect.Catalog{{X: 16, Y: 16, FWHM: 3}})
	b := img.Bounds()
	if b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("overlay bounds %v, want 32x32", b)
	}
}
