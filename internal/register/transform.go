// Package register aligns a frame against the reference frame: source
// catalogs are matched with geometric invariants, a transform is fitted by
// RANSAC and refined by least squares, and the frame is resampled into the
// reference pixel grid.
package register

import "fmt"

// Mode selects the transform model fitted per frame.
type Mode int

const (
	ModeNone Mode = iota // reference frame, no fit performed
	ModeTranslation
	ModeFull // full 2x3 affine
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeTranslation:
		return "translation"
	case ModeFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseMode maps the job option string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "translation":
		return ModeTranslation, nil
	case "full", "affine":
		return ModeFull, nil
	}
	return ModeNone, fmt.Errorf("unknown alignment mode %q", s)
}

// Kind tags the fitted transform model.
type Kind int

const (
	KindIdentity Kind = iota
	KindTranslation
	KindAffine
)

// Transform maps target-frame pixel coordinates into reference-frame
// coordinates. MatchedStars is -1 for the designated reference frame (no fit
// performed) and 0 when registration failed; RMSError is only meaningful
// when MatchedStars > 0.
type Transform struct {
	Kind         Kind
	DX, DY       float64    // translation components
	M            [6]float64 // row-major 2x3 affine, used when Kind == KindAffine
	MatchedStars int
	RMSError     float64
}

// Identity returns the no-op transform of a failed registration.
func Identity() Transform {
	return Transform{Kind: KindIdentity}
}

// Reference returns the sentinel transform of the reference frame.
func Reference() Transform {
	return Transform{Kind: KindIdentity, MatchedStars: -1}
}

// Apply maps a target-frame point into reference coordinates.
func (t Transform) Apply(x, y float64) (float64, float64) {
	switch t.Kind {
	case KindTranslation:
		return x + t.DX, y + t.DY
	case KindAffine:
		return t.M[0]*x + t.M[1]*y + t.M[2], t.M[3]*x + t.M[4]*y + t.M[5]
	default:
		return x, y
	}
}

// Invert returns the reference-to-target mapping. ok is false for a
// degenerate affine matrix.
func (t Transform) Invert() (Transform, bool) {
	switch t.Kind {
	case KindTranslation:
		inv := t
		inv.DX, inv.DY = -t.DX, -t.DY
		return inv, true
	case KindAffine:
		det := t.M[0]*t.M[4] - t.M[1]*t.M[3]
		if det == 0 {
			return Transform{}, false
		}
		inv := t
		inv.M[0] = t.M[4] / det
		inv.M[1] = -t.M[1] / det
		inv.M[3] = -t.M[3] / det
		inv.M[4] = t.M[0] / det
		inv.M[2] = -(inv.M[0]*t.M[2] + inv.M[1]*t.M[5])
		inv.M[5] = -(inv.M[3]*t.M[2] + inv.M[4]*t.M[5])
		return inv, true
	default:
		return t, true
	}
}

// Registered reports whether this frame was aligned (reference frames count
// as registered).
func (t Transform) Registered() bool {
	return t.MatchedStars != 0
}

func (t Transform) String() string {
	switch t.Kind {
	case KindTranslation:
		return fmt.Sprintf("Translation(%.3f, %.3f) stars=%d rms=%.3f", t.DX, t.DY, t.MatchedStars, t.RMSError)
	case KindAffine:
		return fmt.Sprintf("Affine(%v) stars=%d rms=%.3f", t.M, t.MatchedStars, t.RMSError)
	default:
		return fmt.Sprintf("Identity stars=%d", t.MatchedStars)
	}
}
