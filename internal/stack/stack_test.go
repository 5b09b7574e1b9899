package stack

import (
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

func TestNoFrames(t *testing.T) {
	if _, err := Stack(nil, Average(), Options{}); err != ErrNoFrames {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	frames := []*frame.Frame{frame.New(8, 8), frame.New(8, 9)}
	if _, err := Stack(frames, Average(), Options{}); err == nil {
		t.Fatalf("mismatched dimensions should error")
	}
}

func TestSingleFrameIdentity(t *testing.T) {
	f := frame.New(16, 16)
	for i := range f.Pixels {
		f.Pixels[i] = float32(i) * 0.5
	}
	for _, m := range []Method{Average(), Median(), Min(), Max(), Sigma(2.5), Winsorized(2.5)} {
		out, err := Stack([]*frame.Frame{f}, m, Options{})
		if err != nil {
			t.Fatalf("%v: %v", m, err)
		}
		for i := range f.Pixels {
			if out.Pixels[i] != f.Pixels[i] {
				t.Fatalf("%v: single-frame stack changed pixel %d", m, i)
			}
		}
	}
}

func TestAverageAndMedian(t *testing.T) {
	frames := []*frame.Frame{
		uniformFrame(4, 4, 10),
		uniformFrame(4, 4, 20),
		uniformFrame(4, 4, 90),
	}
	avg, err := Stack(frames, Average(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if avg.Pixels[0] != 40 {
		t.Fatalf("average of 10,20,90 should be 40, got %.1f", avg.Pixels[0])
	}
	med, err := Stack(frames, Median(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if med.Pixels[0] != 20 {
		t.Fatalf("median of 10,20,90 should be 20, got %.1f", med.Pixels[0])
	}
}

func TestMinMaxExtremal(t *testing.T) {
	frames := []*frame.Frame{
		uniformFrame(4, 4, 5),
		uniformFrame(4, 4, 50),
		uniformFrame(4, 4, 500),
	}
	lo, _ := Stack(frames, Min(), Options{})
	hi, _ := Stack(frames, Max(), Options{})
	if lo.Pixels[0] != 5 || hi.Pixels[0] != 500 {
		t.Fatalf("min/max got %.1f / %.1f, want 5 / 500", lo.Pixels[0], hi.Pixels[0])
	}
}

func TestSigmaClipRejectsCosmicRay(t *testing.T) {
	// 9 clean frames at 100 plus one hot frame; the mean would drift to 190
	var frames []*frame.Frame
	for i := 0; i < 9; i++ {
		frames = append(frames, uniformFrame(4, 4, float32(100+i%3))) // 100..102
	}
	frames = append(frames, uniformFrame(4, 4, 1000))

	out, err := Stack(frames, Sigma(2.5), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pixels[0] > 105 {
		t.Fatalf("sigma clip should reject the 1000 outlier, got %.1f", out.Pixels[0])
	}
}

func TestWinsorizedTamesOutlier(t *testing.T) {
	var frames []*frame.Frame
	for i := 0; i < 9; i++ {
		frames = append(frames, uniformFrame(4, 4, float32(100+i%3)))
	}
	frames = append(frames, uniformFrame(4, 4, 1000))

	plain, _ := Stack(frames, Average(), Options{})
	wins, _ := Stack(frames, Winsorized(2.5), Options{})
	if wins.Pixels[0] >= plain.Pixels[0] {
		t.Fatalf("winsorized mean %.1f should sit below the plain mean %.1f", wins.Pixels[0], plain.Pixels[0])
	}
}

func TestWeightedStack(t *testing.T) {
	frames := []*frame.Frame{
		uniformFrame(4, 4, 10),
		uniformFrame(4, 4, 40),
	}
	out, err := Stack(frames, Weighted(), Options{Weights: []float64{3, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(out.Pixels[0])-17.5) > 1e-4 {
		t.Fatalf("weighted mean of 10(w3),40(w1) should be 17.5, got %.2f", out.Pixels[0])
	}
}

func TestWeightedAllZeroFallsBackToAverage(t *testing.T) {
	frames := []*frame.Frame{
		uniformFrame(4, 4, 10),
		uniformFrame(4, 4, 30),
	}
	out, err := Stack(frames, Weighted(), Options{Weights: []float64{0, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pixels[0] != 20 {
		t.Fatalf("zero weights should average plainly, got %.1f", out.Pixels[0])
	}
}

func TestValidityMaskSkipsContributors(t *testing.T) {
	a := uniformFrame(4, 4, 100)
	b := uniformFrame(4, 4, 200)
	b.Valid = frame.NewMaskAllValid(16)
	b.Valid.Clear(0) // b has no data at pixel 0

	out, err := Stack([]*frame.Frame{a, b}, Average(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pixels[0] != 100 {
		t.Fatalf("pixel 0 should only see frame a, got %.1f", out.Pixels[0])
	}
	if out.Pixels[1] != 150 {
		t.Fatalf("pixel 1 averages both frames, got %.1f", out.Pixels[1])
	}
	if out.Valid != nil && !out.Valid.Get(0) {
		t.Fatalf("pixel 0 still has one contributor, should stay valid")
	}
}

func TestNoContributorsAnywhereYieldsZeroInvalid(t *testing.T) {
	a := uniformFrame(4, 4, 100)
	a.Valid = frame.NewMaskAllValid(16)
	a.Valid.Clear(5)
	b := uniformFrame(4, 4, 200)
	b.Valid = frame.NewMaskAllValid(16)
	b.Valid.Clear(5)

	out, err := Stack([]*frame.Frame{a, b}, Median(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pixels[5] != 0 {
		t.Fatalf("pixel without contributors should be 0, got %.1f", out.Pixels[5])
	}
	if out.Valid == nil || out.Valid.Get(5) {
		t.Fatalf("pixel without contributors should be masked invalid")
	}
}

func TestOrderIndependence(t *testing.T) {
	a := uniformFrame(4, 4, 10)
	b := uniformFrame(4, 4, 50)
	c := uniformFrame(4, 4, 90)

	fwd, _ := Stack([]*frame.Frame{a, b, c}, Sigma(2.5), Options{})
	rev, _ := Stack([]*frame.Frame{c, b, a}, Sigma(2.5), Options{})
	for i := range fwd.Pixels {
		if fwd.Pixels[i] != rev.Pixels[i] {
			t.Fatalf("stack result depends on frame order at pixel %d", i)
		}
	}
}

func TestParseMethods(t *testing.T) {
	cases := map[string]string{
		"average": "average", "mean": "average",
		"median": "median", "min": "min", "max": "max",
		"sigma": "sigma(2.5)", "winsorized": "winsorized(2.5)",
		"weighted": "weighted",
	}
	for in, want := range cases {
		m, err := Parse(in, 2.5)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if m.String() != want {
			t.Fatalf("Parse(%q) = %q, want %q", in, m.String(), want)
		}
	}
	if _, err := Parse("mosaic", 2.5); err == nil {
		t.Fatalf("unknown method should error")
	}
}
