package detect

import (
	"math"
	"sort"

	"astrostack/internal/frame"
)

// deblend splits one component into sub-sources using multi-threshold
// re-labelling: thresholds are spaced exponentially between the detection
// level and the component peak, and the highest level at which the component
// separates into two or more significant sub-peaks wins. Significance means
// a sub-peak carries at least DeblendMinContrast of the parent flux. Parent
// pixels are then assigned to the nearest surviving sub-peak.
func deblend(comp component, f *frame.Frame, bg *backgroundMap, cfg Config) []component {
	// background-subtracted values per pixel, and the parent stats
	peak := 0.0
	parentFlux := 0.0
	base := math.MaxFloat64
	for _, i := range comp.pixels {
		v := float64(f.Pixels[i]) - bg.levelAt(i)
		if v < 0 {
			v = 0
		}
		parentFlux += v
		if v > peak {
			peak = v
		}
		t := cfg.SigmaThreshold * bg.noiseAt(i)
		if t < base {
			base = t
		}
	}
	if parentFlux <= 0 || peak <= base || base <= 0 {
		return []component{comp}
	}

	inParent := make(map[int]int, len(comp.pixels))
	for idx, i := range comp.pixels {
		inParent[i] = idx
	}

	ratio := peak / base
	for level := cfg.DeblendLevels - 1; level >= 1; level-- {
		threshold := base * math.Pow(ratio, float64(level)/float64(cfg.DeblendLevels))
		subs := labelAbove(comp, f, bg, inParent, threshold)
		if len(subs) < 2 {
			continue
		}

		// keep sub-peaks carrying a significant flux fraction
		type subPeak struct {
			comp component
			flux float64
			px   int // peak pixel index
		}
		var kept []subPeak
		for _, sub := range subs {
			flux := 0.0
			px := sub.pixels[0]
			pv := -1.0
			for _, i := range sub.pixels {
				v := float64(f.Pixels[i]) - bg.levelAt(i)
				if v < 0 {
					v = 0
				}
				flux += v
				if v > pv {
					pv = v
					px = i
				}
			}
			if flux >= cfg.DeblendMinContrast*parentFlux {
				kept = append(kept, subPeak{comp: sub, flux: flux, px: px})
			}
		}
		if len(kept) < 2 {
			continue
		}

		// deterministic order of the split results
		sort.Slice(kept, func(a, b int) bool { return kept[a].px < kept[b].px })

		// assign every parent pixel to the nearest sub-peak
		out := make([]component, len(kept))
		w := f.Width
		for _, i := range comp.pixels {
			x, y := i%w, i/w
			bestK, bestD := 0, math.MaxFloat64
			for k, sp := range kept {
				px, py := sp.px%w, sp.px/w
				dx, dy := float64(x-px), float64(y-py)
				d := dx*dx + dy*dy
				if d < bestD {
					bestD, bestK = d, k
				}
			}
			out[bestK].pixels = append(out[bestK].pixels, i)
		}
		return out
	}
	return []component{comp}
}

// labelAbove re-labels the parent component using only pixels whose
// background-subtracted value exceeds threshold, 8-connected.
func labelAbove(comp component, f *frame.Frame, bg *backgroundMap, inParent map[int]int, threshold float64) []component {
	above := func(i int) bool {
		if _, ok := inParent[i]; !ok {
			return false
		}
		return float64(f.Pixels[i])-bg.levelAt(i) > threshold
	}

	visited := make(map[int]bool, len(comp.pixels))
	var subs []component
	var stack []int
	w, h := f.Width, f.Height

	for _, start := range comp.pixels {
		if visited[start] || !above(start) {
			continue
		}
		var pixels []int
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pixels = append(pixels, i)

			x, y := i%w, i/w
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					n := ny*w + nx
					if !visited[n] && above(n) {
						visited[n] = true
						stack = append(stack, n)
					}
				}
			}
		}
		subs = append(subs, component{pixels: pixels})
	}
	return subs
}
