package calibrate

import (
	"errors"
	"math"
	"testing"

	"astrostack/internal/frame"
)

func uniformFrame(w, h int, v float32) *frame.Frame {
	f := frame.New(w, h)
	for i := range f.Pixels {
		f.Pixels[i] = v
	}
	return f
}

func TestDarkSubtraction(t *testing.T) {
	light := uniformFrame(8, 6, 110)
	set := &Set{Dark: uniformFrame(8, 6, 10)}

	out, err := set.Apply(light)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i, v := range out.Pixels {
		if v != 100 {
			t.Fatalf("pixel %d: expected 100, got %v", i, v)
		}
	}
	// input must be untouched
	if light.Pixels[0] != 110 {
		t.Fatalf("light frame was mutated")
	}
}

func TestFlatDivisionNormalizes(t *testing.T) {
	light := uniformFrame(4, 4, 100)
	flat := uniformFrame(4, 4, 2)
	flat.Pixels[5] = 1 // vignetted pixel at half response

	set := &Set{Flat: flat}
	out, err := set.Apply(light)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// mean flat is 1.9375; full-response pixels divide by 2/1.9375
	want := 100 * 1.9375 / 2
	if math.Abs(float64(out.Pixels[0])-want) > 1e-3 {
		t.Fatalf("full-response pixel: expected %.4f, got %v", want, out.Pixels[0])
	}
	if out.Pixels[5] <= out.Pixels[0] {
		t.Fatalf("vignetted pixel should be boosted above its neighbours")
	}
}

func TestFlatGuardAvoidsDivisionBlowup(t *testing.T) {
	light := uniformFrame(2, 2, 50)
	flat := uniformFrame(2, 2, 1)
	bias := uniformFrame(2, 2, 1) // flat - bias == 0 everywhere

	set := &Set{Flat: flat, Bias: bias}
	out, err := set.Apply(light)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i, v := range out.Pixels {
		if v != 50 {
			t.Fatalf("pixel %d: zero flat must be treated as 1.0, got %v", i, v)
		}
	}
}

func TestDimensionMismatchIsFatal(t *testing.T) {
	light := uniformFrame(8, 8, 100)
	set := &Set{Dark: uniformFrame(4, 4, 10)}

	_, err := set.Apply(light)
	var dim *DimensionMismatchError
	if !errors.As(err, &dim) {
		t.Fatalf("expected DimensionMismatchError, got %v", err)
	}
	if dim.Role != "dark" {
		t.Fatalf("expected dark role in error, got %q", dim.Role)
	}
}

func TestCombineMedianRejectsSingleFrameDefect(t *testing.T) {
	a := uniformFrame(3, 3, 10)
	b := uniformFrame(3, 3, 10)
	c := uniformFrame(3, 3, 10)
	c.Pixels[4] = 5000 // cosmic ray in one exposure

	master, err := Combine("dark", []*frame.Frame{a, b, c})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if master.Pixels[4] != 10 {
		t.Fatalf("median combine should reject the outlier, got %v", master.Pixels[4])
	}
}

func TestCombineSingleFramePassesThrough(t *testing.T) {
	a := uniformFrame(2, 2, 7)
	master, err := Combine("bias", []*frame.Frame{a})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if master != a {
		t.Fatalf("single calibration frame should be used as-is")
	}
}

func TestEmptySetIsIdentity(t *testing.T) {
	light := uniformFrame(2, 2, 42)
	var set *Set
	out, err := set.Apply(light)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != light {
		t.Fatalf("empty calibration set should return the input frame")
	}
}
