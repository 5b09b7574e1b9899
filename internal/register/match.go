package register

import (
	"math"
	"sort"

	"astrostack/internal/detect"
)

// pair is one candidate correspondence between the target and reference
// catalogs, in pixel coordinates.
type pair struct {
	tx, ty float64 // target star
	rx, ry float64 // reference star
}

const (
	matchTriangleStars = 12   // brightest stars used to build triangles
	matchRatioTol      = 0.01 // side-ratio tolerance for triangle voting
	matchMinVotes      = 2
)

// matchCatalogs proposes correspondences between the two catalogs. Triangle
// side-ratio voting over the brightest stars yields seed pairs that survive
// rotation and modest scale change; when too few stars exist for triangles,
// modal-offset voting is used instead. The coarse transform fitted from the
// seeds then completes the set by nearest-centroid lookup over the full
// catalogs. The result still contains outliers, which is what the RANSAC
// stage is for.
func matchCatalogs(tgt, ref detect.Catalog, searchRadius float64) []pair {
	if len(tgt) == 0 || len(ref) == 0 {
		return nil
	}

	seeds := triangleVote(tgt, ref)
	if len(seeds) < 2 {
		seeds = offsetVote(tgt, ref, searchRadius)
	}
	if len(seeds) == 0 {
		return nil
	}

	coarse := coarseFit(seeds)
	return completeMatches(tgt, ref, coarse, searchRadius)
}

// triangleVote builds all triangles from the brightest stars of each catalog,
// compares their sorted side ratios, and votes on the implied vertex pairs.
type triangle struct {
	v      [3]int  // catalog indices ordered: opposite longest, middle, shortest side
	r1, r2 float64 // b/c and a/c with sides a <= b <= c
}

func triangleVote(tgt, ref detect.Catalog) []pair {
	tTri := buildTriangles(tgt)
	rTri := buildTriangles(ref)
	if len(tTri) == 0 || len(rTri) == 0 {
		return nil
	}

	votes := make(map[[2]int]int)
	for _, tt := range tTri {
		for _, rt := range rTri {
			if math.Abs(tt.r1-rt.r1) > matchRatioTol || math.Abs(tt.r2-rt.r2) > matchRatioTol {
				continue
			}
			for k := 0; k < 3; k++ {
				votes[[2]int{tt.v[k], rt.v[k]}]++
			}
		}
	}

	type cand struct {
		ti, ri, n int
	}
	cands := make([]cand, 0, len(votes))
	for key, n := range votes {
		if n >= matchMinVotes {
			cands = append(cands, cand{ti: key[0], ri: key[1], n: n})
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].n != cands[b].n {
			return cands[a].n > cands[b].n
		}
		if cands[a].ti != cands[b].ti {
			return cands[a].ti < cands[b].ti
		}
		return cands[a].ri < cands[b].ri
	})

	usedT := make(map[int]bool)
	usedR := make(map[int]bool)
	var seeds []pair
	for _, c := range cands {
		if usedT[c.ti] || usedR[c.ri] {
			continue
		}
		usedT[c.ti] = true
		usedR[c.ri] = true
		seeds = append(seeds, pair{
			tx: tgt[c.ti].X, ty: tgt[c.ti].Y,
			rx: ref[c.ri].X, ry: ref[c.ri].Y,
		})
	}
	return seeds
}

func buildTriangles(cat detect.Catalog) []triangle {
	n := len(cat)
	if n > matchTriangleStars {
		n = matchTriangleStars
	}
	var tris []triangle
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				tri, ok := makeTriangle(cat, i, j, k)
				if ok {
					tris = append(tris, tri)
				}
			}
		}
	}
	return tris
}

func makeTriangle(cat detect.Catalog, i, j, k int) (triangle, bool) {
	d := func(a, b int) float64 {
		dx := cat[a].X - cat[b].X
		dy := cat[a].Y - cat[b].Y
		return math.Hypot(dx, dy)
	}
	// side opposite each vertex
	type side struct {
		len float64
		v   int
	}
	sides := []side{
		{len: d(j, k), v: i},
		{len: d(i, k), v: j},
		{len: d(i, j), v: k},
	}
	sort.Slice(sides, func(a, b int) bool { return sides[a].len < sides[b].len })
	a, b, c := sides[0].len, sides[1].len, sides[2].len
	if c < 4 || a/c < 0.1 {
		// degenerate or near-collinear triangles have unstable ratios
		return triangle{}, false
	}
	return triangle{
		v:  [3]int{sides[2].v, sides[1].v, sides[0].v},
		r1: b / c,
		r2: a / c,
	}, true
}

// offsetVote estimates a pure translation by voting pairwise offsets into a
// coarse grid and keeping the modal cell. It needs no minimum star count and
// backs up the triangle matcher on sparse fields.
func offsetVote(tgt, ref detect.Catalog, searchRadius float64) []pair {
	cell := searchRadius
	if cell < 1 {
		cell = 1
	}
	nt, nr := len(tgt), len(ref)
	if nt > 20 {
		nt = 20
	}
	if nr > 20 {
		nr = 20
	}

	votes := make(map[[2]int][]pair)
	for i := 0; i < nt; i++ {
		for j := 0; j < nr; j++ {
			dx := ref[j].X - tgt[i].X
			dy := ref[j].Y - tgt[i].Y
			key := [2]int{int(math.Round(dx / cell)), int(math.Round(dy / cell))}
			votes[key] = append(votes[key], pair{
				tx: tgt[i].X, ty: tgt[i].Y,
				rx: ref[j].X, ry: ref[j].Y,
			})
		}
	}

	var best []pair
	var bestKey [2]int
	for key, ps := range votes {
		if len(ps) > len(best) ||
			(len(ps) == len(best) && (key[0] < bestKey[0] || (key[0] == bestKey[0] && key[1] < bestKey[1]))) {
			best = ps
			bestKey = key
		}
	}
	if len(best) == 0 {
		return nil
	}
	return best
}

// coarseFit derives an initial transform from the seed pairs: median offset
// for small seed sets, least-squares affine once six or more seeds exist.
func coarseFit(seeds []pair) Transform {
	if len(seeds) >= 6 {
		if t, ok := fitAffineLS(seeds); ok {
			return t
		}
	}
	dxs := make([]float64, len(seeds))
	dys := make([]float64, len(seeds))
	for i, p := range seeds {
		dxs[i] = p.rx - p.tx
		dys[i] = p.ry - p.ty
	}
	return Transform{Kind: KindTranslation, DX: median(dxs), DY: median(dys)}
}

// completeMatches maps every target star through the coarse transform and
// pairs it with the nearest reference star inside the search radius, one to
// one, closest pairs first.
func completeMatches(tgt, ref detect.Catalog, coarse Transform, searchRadius float64) []pair {
	type cand struct {
		ti, ri int
		d      float64
	}
	var cands []cand
	r2 := searchRadius * searchRadius
	for i := range tgt {
		px, py := coarse.Apply(tgt[i].X, tgt[i].Y)
		for j := range ref {
			dx := ref[j].X - px
			dy := ref[j].Y - py
			d := dx*dx + dy*dy
			if d <= r2 {
				cands = append(cands, cand{ti: i, ri: j, d: d})
			}
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].d != cands[b].d {
			return cands[a].d < cands[b].d
		}
		if cands[a].ti != cands[b].ti {
			return cands[a].ti < cands[b].ti
		}
		return cands[a].ri < cands[b].ri
	})

	usedT := make(map[int]bool)
	usedR := make(map[int]bool)
	var pairs []pair
	for _, c := range cands {
		if usedT[c.ti] || usedR[c.ri] {
			continue
		}
		usedT[c.ti] = true
		usedR[c.ri] = true
		pairs = append(pairs, pair{
			tx: tgt[c.ti].X, ty: tgt[c.ti].Y,
			rx: ref[c.ri].X, ry: ref[c.ri].Y,
		})
	}
	return pairs
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
