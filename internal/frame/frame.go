package frame

import (
	"fmt"
	"math"
)

// Frame holds one decoded exposure as a single-channel float32 buffer in
// row-major order. Pixel values are linear; no display scaling is applied.
type Frame struct {
	Pixels   []float32
	Width    int
	Height   int
	Filename string
	Exposure float64 // seconds, 0 if unknown
	Filter   string  // filter name from capture metadata, may be empty

	// Valid is nil for frames where every pixel carries data. Resampling
	// attaches a mask marking pixels that mapped outside the source frame.
	Valid *Mask
}

// New allocates a zeroed frame of the given dimensions.
func New(width, height int) *Frame {
	return &Frame{
		Pixels: make([]float32, width*height),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy, including the validity mask if present.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Pixels:   make([]float32, len(f.Pixels)),
		Width:    f.Width,
		Height:   f.Height,
		Filename: f.Filename,
		Exposure: f.Exposure,
		Filter:   f.Filter,
	}
	copy(out.Pixels, f.Pixels)
	if f.Valid != nil {
		out.Valid = f.Valid.Clone()
	}
	return out
}

// At returns the pixel at (x, y). Caller guarantees bounds.
func (f *Frame) At(x, y int) float32 {
	return f.Pixels[y*f.Width+x]
}

// Set writes the pixel at (x, y). Caller guarantees bounds.
func (f *Frame) Set(x, y int, v float32) {
	f.Pixels[y*f.Width+x] = v
}

// ValidAt reports whether the pixel at (x, y) carries data.
func (f *Frame) ValidAt(x, y int) bool {
	if f.Valid == nil {
		return true
	}
	return f.Valid.Get(y*f.Width + x)
}

// SameSize reports whether two frames share dimensions.
func (f *Frame) SameSize(other *Frame) bool {
	return f.Width == other.Width && f.Height == other.Height
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame[%s %dx%d]", f.Filename, f.Width, f.Height)
}

// Bilinear samples the frame at a fractional position. The second return is
// false when any of the four neighbours falls outside the frame or is masked
// invalid; the sample must then be treated as "no data", not zero.
func (f *Frame) Bilinear(x, y float64) (float32, bool) {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0+1 >= f.Width || y0+1 >= f.Height {
		return 0, false
	}
	if f.Valid != nil {
		base := y0*f.Width + x0
		if !f.Valid.Get(base) || !f.Valid.Get(base+1) ||
			!f.Valid.Get(base+f.Width) || !f.Valid.Get(base+f.Width+1) {
			return 0, false
		}
	}
	fx := x - float64(x0)
	fy := y - float64(y0)
	base := y0*f.Width + x0
	v00 := float64(f.Pixels[base])
	v10 := float64(f.Pixels[base+1])
	v01 := float64(f.Pixels[base+f.Width])
	v11 := float64(f.Pixels[base+f.Width+1])
	top := v00*(1-fx) + v10*fx
	bot := v01*(1-fx) + v11*fx
	return float32(top*(1-fy) + bot*fy), true
}

// Mask is a bit set tracking per-pixel validity of a resampled buffer.
type Mask struct {
	bits []uint64
	n    int
}

// NewMask returns a mask of n pixels, all invalid.
func NewMask(n int) *Mask {
	return &Mask{bits: make([]uint64, (n+63)/64), n: n}
}

// NewMaskAllValid returns a mask of n pixels, all valid.
func NewMaskAllValid(n int) *Mask {
	m := NewMask(n)
	for i := range m.bits {
		m.bits[i] = ^uint64(0)
	}
	return m
}

func (m *Mask) Clone() *Mask {
	out := &Mask{bits: make([]uint64, len(m.bits)), n: m.n}
	copy(out.bits, m.bits)
	return out
}

func (m *Mask) Get(i int) bool {
	return m.bits[i>>6]&(1<<(uint(i)&63)) != 0
}

func (m *Mask) Set(i int) {
	m.bits[i>>6] |= 1 << (uint(i) & 63)
}

func (m *Mask) Clear(i int) {
	m.bits[i>>6] &^= 1 << (uint(i) & 63)
}

// Count returns the number of valid pixels.
func (m *Mask) Count() int {
	count := 0
	for i := 0; i < m.n; i++ {
		if m.Get(i) {
			count++
		}
	}
	return count
}

// Len returns the number of pixels tracked by the mask.
func (m *Mask) Len() int { return m.n }
