package decode

import (
	"image"
	"image/png"
	"os"

	_ "image/jpeg"

	_ "golang.org/x/image/tiff"

	"astrostack/internal/frame"
)

// readStdImage decodes PNG/JPEG/TIFF through the image registry and reduces
// to luminance. 16-bit inputs keep their full range: values come out in
// 0..65535 regardless of source depth, so mixed-depth sessions stack on one
// scale.
func readStdImage(path string) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	f := frame.New(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Pixels[y*f.Width+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Pixels[y*f.Width+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) * 257
			}
		}
	default:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				lum := 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(bl)
				f.Pixels[y*f.Width+x] = float32(lum)
			}
		}
	}
	return f, nil
}

// WritePNG writes an RGBA8 preview buffer as a PNG file.
func WritePNG(path string, rgba []uint8, width, height int) error {
	img := &image.RGBA{
		Pix:    rgba,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return png.Encode(fh, img)
}
