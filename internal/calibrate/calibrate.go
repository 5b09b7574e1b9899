// Package calibrate builds master calibration frames and applies them to
// light frames: corrected = (light - dark) / normalize(flat - bias).
package calibrate

import (
	"fmt"
	"sort"

	"astrostack/internal/frame"
)

// flat pixels at or below this are treated as 1.0 during division
const flatEpsilon = 1e-6

// DimensionMismatchError is fatal for the job that raised it.
type DimensionMismatchError struct {
	Role         string // "dark", "flat", "bias" or "light"
	WantW, WantH int
	GotW, GotH   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("calibration: %s frame is %dx%d, light frame is %dx%d",
		e.Role, e.GotW, e.GotH, e.WantW, e.WantH)
}

// Set holds the optional master frames for one stacking job. Immutable once
// built.
type Set struct {
	Dark *frame.Frame
	Flat *frame.Frame
	Bias *frame.Frame
}

// Empty reports whether no calibration is configured.
func (s *Set) Empty() bool {
	return s == nil || (s.Dark == nil && s.Flat == nil && s.Bias == nil)
}

// Combine reduces raw calibration exposures for one role into a master frame.
// A single frame passes through unchanged; several are combined by per-pixel
// median, which tolerates a defect in any single exposure.
func Combine(role string, frames []*frame.Frame) (*frame.Frame, error) {
	switch len(frames) {
	case 0:
		return nil, nil
	case 1:
		return frames[0], nil
	}
	first := frames[0]
	for _, f := range frames[1:] {
		if !f.SameSize(first) {
			return nil, &DimensionMismatchError{
				Role:  role,
				WantW: first.Width, WantH: first.Height,
				GotW: f.Width, GotH: f.Height,
			}
		}
	}

	master := frame.New(first.Width, first.Height)
	master.Filename = fmt.Sprintf("master-%s(%d)", role, len(frames))
	values := make([]float64, len(frames))
	for i := range master.Pixels {
		for j, f := range frames {
			values[j] = float64(f.Pixels[i])
		}
		master.Pixels[i] = float32(median(values))
	}
	return master, nil
}

// Apply corrects one light frame against the set. Input frames are never
// mutated; the result is a fresh buffer of identical dimensions. Roles the
// set does not carry are skipped: no dark/bias means no subtraction, no flat
// means no division.
func (s *Set) Apply(light *frame.Frame) (*frame.Frame, error) {
	if s.Empty() {
		return light, nil
	}
	for role, f := range map[string]*frame.Frame{"dark": s.Dark, "flat": s.Flat, "bias": s.Bias} {
		if f != nil && !f.SameSize(light) {
			return nil, &DimensionMismatchError{
				Role:  role,
				WantW: light.Width, WantH: light.Height,
				GotW: f.Width, GotH: f.Height,
			}
		}
	}

	out := light.Clone()

	if s.Dark != nil {
		for i := range out.Pixels {
			out.Pixels[i] -= s.Dark.Pixels[i]
		}
	}

	if s.Flat != nil {
		norm := s.flatNormalization()
		for i := range out.Pixels {
			fv := float64(s.Flat.Pixels[i])
			if s.Bias != nil {
				fv -= float64(s.Bias.Pixels[i])
			}
			fv /= norm
			if fv <= flatEpsilon {
				fv = 1.0
			}
			out.Pixels[i] = float32(float64(out.Pixels[i]) / fv)
		}
	}

	return out, nil
}

// flatNormalization returns the mean of the bias-subtracted flat, so that the
// division preserves overall signal level and only corrects relative
// vignetting and pixel response.
func (s *Set) flatNormalization() float64 {
	sum := 0.0
	for i, v := range s.Flat.Pixels {
		fv := float64(v)
		if s.Bias != nil {
			fv -= float64(s.Bias.Pixels[i])
		}
		sum += fv
	}
	mean := sum / float64(len(s.Flat.Pixels))
	if mean <= flatEpsilon {
		return 1.0
	}
	return mean
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
