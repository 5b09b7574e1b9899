package register

import "astrostack/internal/frame"

// Resample renders f onto the reference pixel grid of the given size by
// inverse mapping: each output pixel samples the source frame bilinearly at
// the back-projected position. Pixels whose source falls outside the frame
// or on masked data come out invalid in the result's mask, so the stacker
// can skip them instead of averaging in garbage.
func Resample(f *frame.Frame, t Transform, width, height int) *frame.Frame {
	if t.Kind == KindIdentity && f.Width == width && f.Height == height {
		return f.Clone()
	}

	inv, ok := t.Invert()
	out := frame.New(width, height)
	out.Filename = f.Filename
	out.Exposure = f.Exposure
	out.Filter = f.Filter
	out.Valid = frame.NewMask(width * height)
	if !ok {
		// degenerate transform, nothing maps anywhere
		return out
	}

	for y := 0; y < height; y++ {
		fy := float64(y)
		row := y * width
		for x := 0; x < width; x++ {
			sx, sy := inv.Apply(float64(x), fy)
			v, valid := f.Bilinear(sx, sy)
			if valid {
				out.Pixels[row+x] = v
				out.Valid.Set(row + x)
			}
		}
	}
	return out
}
