// Package detect finds star-like sources in a single frame: local background
// and noise estimation, sigma thresholding, connected-component labelling
// with deblending, and centroid/shape measurement.
package detect

import (
	"math"
	"sort"

	"astrostack/internal/frame"
)

// Source is one detected star in frame pixel coordinates.
type Source struct {
	X, Y        float64 // flux-weighted centroid
	Flux        float64 // background-subtracted integrated flux
	FWHM        float64 // from second moments, in pixels
	Ellipticity float64 // 1 - minor/major axis
	Area        int     // pixels in the component
}

// Catalog is the ordered source list for one frame: descending flux, ties
// broken by ascending centroid y then x. Read-only after extraction.
type Catalog []Source

// Config is the extraction tuning surface, built once per job from settings.
type Config struct {
	MeshSize           int     // background mesh cell size, pixels
	SigmaThreshold     float64 // detection threshold in noise sigmas
	MinArea            int     // smallest accepted component, pixels
	MaxArea            int     // largest accepted component, pixels
	BorderMargin       int     // exclude centroids within N px of any edge
	DeblendLevels      int     // multi-threshold deblending levels
	DeblendMinContrast float64 // min sub-peak flux fraction to split
	MaxStars           int     // catalog cap, brightest kept
}

// DefaultConfig mirrors the settings defaults shipped with the app.
func DefaultConfig() Config {
	return Config{
		MeshSize:           64,
		SigmaThreshold:     5.0,
		MinArea:            4,
		MaxArea:            500,
		BorderMargin:       10,
		DeblendLevels:      16,
		DeblendMinContrast: 0.02,
		MaxStars:           200,
	}
}

// component is a connected set of above-threshold pixels.
type component struct {
	pixels []int // indices into the frame buffer
}

// Extract runs the full detection pipeline. It is a pure function of frame
// and config; an empty catalog is a valid result and extraction never fails.
func Extract(f *frame.Frame, cfg Config) Catalog {
	if f.Width < 3 || f.Height < 3 {
		return Catalog{}
	}
	bg := estimateBackground(f, cfg.MeshSize)

	// threshold mask
	mask := make([]bool, len(f.Pixels))
	any := false
	for i, v := range f.Pixels {
		if float64(v)-bg.levelAt(i) > cfg.SigmaThreshold*bg.noiseAt(i) {
			mask[i] = true
			any = true
		}
	}
	if !any {
		return Catalog{}
	}

	comps := labelComponents(mask, f.Width, f.Height)

	var catalog Catalog
	for _, comp := range comps {
		parts := []component{comp}
		if len(comp.pixels) > cfg.MinArea && cfg.DeblendLevels > 1 {
			parts = deblend(comp, f, bg, cfg)
		}
		for _, part := range parts {
			src, ok := measure(part, f, bg, cfg)
			if ok {
				catalog = append(catalog, src)
			}
		}
	}

	sort.Slice(catalog, func(i, j int) bool {
		a, b := catalog[i], catalog[j]
		if a.Flux != b.Flux {
			return a.Flux > b.Flux
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	if cfg.MaxStars > 0 && len(catalog) > cfg.MaxStars {
		catalog = catalog[:cfg.MaxStars]
	}
	return catalog
}

// labelComponents flood-fills the threshold mask with 8-connectivity,
// scanning row-major so the result is deterministic.
func labelComponents(mask []bool, width, height int) []component {
	visited := make([]bool, len(mask))
	var comps []component
	var stack []int

	for start, on := range mask {
		if !on || visited[start] {
			continue
		}
		var pixels []int
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pixels = append(pixels, i)

			x, y := i%width, i/width
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= width || (dx == 0 && dy == 0) {
						continue
					}
					n := ny*width + nx
					if mask[n] && !visited[n] {
						visited[n] = true
						stack = append(stack, n)
					}
				}
			}
		}
		comps = append(comps, component{pixels: pixels})
	}
	return comps
}

// measure computes centroid, flux and second-moment shape for one component,
// applying the area and border filters. Returns ok=false for rejects.
func measure(comp component, f *frame.Frame, bg *backgroundMap, cfg Config) (Source, bool) {
	area := len(comp.pixels)
	if area < cfg.MinArea || (cfg.MaxArea > 0 && area > cfg.MaxArea) {
		return Source{}, false
	}

	var flux, sx, sy float64
	for _, i := range comp.pixels {
		w := float64(f.Pixels[i]) - bg.levelAt(i)
		if w <= 0 {
			continue
		}
		flux += w
		sx += w * float64(i%f.Width)
		sy += w * float64(i/f.Width)
	}
	if flux <= 0 {
		return Source{}, false
	}
	cx, cy := sx/flux, sy/flux

	m := float64(cfg.BorderMargin)
	if cx < m || cy < m || cx > float64(f.Width-1)-m || cy > float64(f.Height-1)-m {
		return Source{}, false
	}

	// flux-weighted second moments about the centroid
	var ixx, iyy, ixy float64
	for _, i := range comp.pixels {
		w := float64(f.Pixels[i]) - bg.levelAt(i)
		if w <= 0 {
			continue
		}
		dx := float64(i%f.Width) - cx
		dy := float64(i/f.Width) - cy
		ixx += w * dx * dx
		iyy += w * dy * dy
		ixy += w * dx * dy
	}
	ixx /= flux
	iyy /= flux
	ixy /= flux

	// principal axes from the moment matrix eigenvalues
	tr := ixx + iyy
	det := math.Sqrt((ixx-iyy)*(ixx-iyy) + 4*ixy*ixy)
	lMajor := (tr + det) / 2
	lMinor := (tr - det) / 2
	if lMinor < 0 {
		lMinor = 0
	}

	// gaussian-equivalent FWHM from the mean variance
	fwhm := 2.3548 * math.Sqrt(tr/2)

	ellipticity := 0.0
	if lMajor > 1e-12 {
		ellipticity = 1 - math.Sqrt(lMinor/lMajor)
	}

	return Source{
		X:           cx,
		Y:           cy,
		Flux:        flux,
		FWHM:        fwhm,
		Ellipticity: ellipticity,
		Area:        area,
	}, true
}
