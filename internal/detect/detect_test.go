package detect

import (
	"math"
	"math/rand"
	"testing"

	"astrostack/internal/frame"
)

// synthetic frame helpers shared by the tests in this package

func noiseFrame(w, h int, level, sigma float64, seed int64) *frame.Frame {
	rng := rand.New(rand.NewSource(seed))
	f := frame.New(w, h)
	for i := range f.Pixels {
		f.Pixels[i] = float32(level + rng.NormFloat64()*sigma)
	}
	return f
}

func addStar(f *frame.Frame, cx, cy, flux, sigma float64) {
	r := int(math.Ceil(sigma * 5))
	x0, y0 := int(cx), int(cy)
	norm := flux / (2 * math.Pi * sigma * sigma)
	for y := y0 - r; y <= y0+r; y++ {
		if y < 0 || y >= f.Height {
			continue
		}
		for x := x0 - r; x <= x0+r; x++ {
			if x < 0 || x >= f.Width {
				continue
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			f.Pixels[y*f.Width+x] += float32(norm * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
}

func TestUniformNoiseYieldsEmptyCatalog(t *testing.T) {
	f := noiseFrame(256, 256, 100, 3, 1)
	catalog := Extract(f, DefaultConfig())
	if len(catalog) != 0 {
		t.Fatalf("expected no detections on pure noise, got %d", len(catalog))
	}
}

func TestSingleStarCentroid(t *testing.T) {
	f := noiseFrame(128, 128, 100, 2, 2)
	addStar(f, 50.0, 50.0, 8000, 1.5)

	catalog := Extract(f, DefaultConfig())
	if len(catalog) != 1 {
		t.Fatalf("expected exactly one detection, got %d", len(catalog))
	}
	s := catalog[0]
	if math.Abs(s.X-50.0) > 0.3 || math.Abs(s.Y-50.0) > 0.3 {
		t.Fatalf("centroid off target: got (%.2f, %.2f)", s.X, s.Y)
	}
	if s.FWHM < 2.0 || s.FWHM > 5.5 {
		t.Fatalf("FWHM implausible for sigma=1.5 star: %.2f", s.FWHM)
	}
	if s.Ellipticity > 0.4 {
		t.Fatalf("round star reported elongated: %.2f", s.Ellipticity)
	}
}

func TestCatalogOrderedByDescendingFlux(t *testing.T) {
	f := noiseFrame(200, 200, 100, 2, 3)
	addStar(f, 40, 40, 4000, 1.5)
	addStar(f, 120, 60, 12000, 1.5)
	addStar(f, 70, 150, 8000, 1.5)

	catalog := Extract(f, DefaultConfig())
	if len(catalog) != 3 {
		t.Fatalf("expected 3 detections, got %d", len(catalog))
	}
	for i := 1; i < len(catalog); i++ {
		if catalog[i].Flux > catalog[i-1].Flux {
			t.Fatalf("catalog not sorted by descending flux at %d", i)
		}
	}
	if math.Abs(catalog[0].X-120) > 1 {
		t.Fatalf("brightest star should lead the catalog, got x=%.1f", catalog[0].X)
	}
}

func TestMaxStarsKeepsBrightest(t *testing.T) {
	f := noiseFrame(300, 300, 100, 2, 4)
	// 6 stars of increasing brightness
	for i := 0; i < 6; i++ {
		addStar(f, float64(40+i*40), 150, float64(3000+i*2000), 1.5)
	}

	cfg := DefaultConfig()
	cfg.MaxStars = 3
	catalog := Extract(f, cfg)
	if len(catalog) != 3 {
		t.Fatalf("expected catalog capped at 3, got %d", len(catalog))
	}
	// the three brightest sit at x = 240, 200, 160
	for i, wantX := range []float64{240, 200, 160} {
		if math.Abs(catalog[i].X-wantX) > 1 {
			t.Fatalf("entry %d: expected star near x=%.0f, got %.1f", i, wantX, catalog[i].X)
		}
	}
}

func TestBorderMarginExcludesEdgeSources(t *testing.T) {
	f := noiseFrame(128, 128, 100, 2, 5)
	addStar(f, 4, 64, 9000, 1.5)  // inside the default 10px margin
	addStar(f, 64, 64, 9000, 1.5) // well inside

	catalog := Extract(f, DefaultConfig())
	if len(catalog) != 1 {
		t.Fatalf("expected only the interior star, got %d detections", len(catalog))
	}
	if math.Abs(catalog[0].X-64) > 1 {
		t.Fatalf("surviving star should be the interior one, got x=%.1f", catalog[0].X)
	}
}

func TestDeblendSeparatesClosePair(t *testing.T) {
	f := noiseFrame(128, 128, 100, 1, 6)
	addStar(f, 60, 64, 20000, 1.2)
	addStar(f, 67, 64, 20000, 1.2)

	catalog := Extract(f, DefaultConfig())
	if len(catalog) != 2 {
		t.Fatalf("expected the blended pair to split into 2 sources, got %d", len(catalog))
	}
	xs := []float64{catalog[0].X, catalog[1].X}
	if xs[0] > xs[1] {
		xs[0], xs[1] = xs[1], xs[0]
	}
	if math.Abs(xs[0]-60) > 1.5 || math.Abs(xs[1]-67) > 1.5 {
		t.Fatalf("deblended centroids off target: %.1f, %.1f", xs[0], xs[1])
	}
}

func TestAreaFilters(t *testing.T) {
	f := noiseFrame(128, 128, 100, 1, 7)
	addStar(f, 64, 64, 20000, 4.0) // big fuzzy blob

	cfg := DefaultConfig()
	cfg.MaxArea = 10
	catalog := Extract(f, cfg)
	if len(catalog) != 0 {
		t.Fatalf("blob above MaxArea should be rejected, got %d detections", len(catalog))
	}
}

func TestExtractNeverFailsOnDegenerateInput(t *testing.T) {
	tiny := frame.New(2, 2)
	if got := Extract(tiny, DefaultConfig()); len(got) != 0 {
		t.Fatalf("degenerate frame should yield an empty catalog")
	}
	flat := frame.New(64, 64) // all zeros, zero noise
	if got := Extract(flat, DefaultConfig()); len(got) != 0 {
		t.Fatalf("flat frame should yield an empty catalog")
	}
}
