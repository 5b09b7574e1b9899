package register

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"astrostack/internal/detect"
)

// Config is the registration tuning surface, built once per job.
type Config struct {
	Mode            Mode
	MaxIterations   int     // RANSAC trials
	InlierThreshold float64 // residual cutoff in pixels
	SearchRadius    float64 // nearest-centroid completion radius in pixels
}

// DefaultConfig mirrors the settings defaults shipped with the app.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeTranslation,
		MaxIterations:   500,
		InlierThreshold: 2.0,
		SearchRadius:    20.0,
	}
}

// minViable returns the smallest correspondence count worth fitting. Rich
// catalogs demand consensus beyond the minimal sample (3 for translation, 6
// for affine); sparse fields relax down to the minimal sample itself, so a
// lone bright star still registers a pure shift.
func (c Config) minViable(nTgt, nRef int) int {
	want, floor := 3, 1
	if c.Mode == ModeFull {
		want, floor = 6, 3
	}
	n := nTgt
	if nRef < n {
		n = nRef
	}
	if n < want {
		want = n
	}
	if want < floor {
		want = floor
	}
	return want
}

// Register fits the transform taking tgt's pixel grid onto ref's. A failed
// fit is not an error: the frame simply stacks unaligned, reported through
// MatchedStars == 0.
func Register(tgt, ref detect.Catalog, cfg Config) Transform {
	if cfg.Mode == ModeNone {
		return Reference()
	}
	minViable := cfg.minViable(len(tgt), len(ref))
	pairs := matchCatalogs(tgt, ref, cfg.SearchRadius)
	if len(pairs) < minViable {
		return Identity()
	}

	best, inliers := ransac(pairs, cfg)
	if len(inliers) < minViable {
		return Identity()
	}

	// least-squares refit over the consensus set
	refined := best
	if cfg.Mode == ModeFull {
		if t, ok := fitAffineLS(inliers); ok {
			refined = t
		}
	} else {
		refined = fitTranslationLS(inliers)
	}
	refined.MatchedStars = len(inliers)
	refined.RMSError = rmsResidual(refined, inliers)
	return refined
}

// ransac runs the consensus loop and returns the winning model with its
// inlier set. The generator is seeded from the pair count so repeated runs
// over the same catalogs agree.
func ransac(pairs []pair, cfg Config) (Transform, []pair) {
	rng := rand.New(rand.NewSource(int64(len(pairs))*7919 + 1))
	iterations := cfg.MaxIterations
	if iterations < 1 {
		iterations = 1
	}
	threshold2 := cfg.InlierThreshold * cfg.InlierThreshold

	var best Transform
	var bestInliers []pair
	for iter := 0; iter < iterations; iter++ {
		model, ok := sampleModel(pairs, cfg.Mode, rng)
		if !ok {
			continue
		}
		var inliers []pair
		for _, p := range pairs {
			x, y := model.Apply(p.tx, p.ty)
			dx, dy := p.rx-x, p.ry-y
			if dx*dx+dy*dy <= threshold2 {
				inliers = append(inliers, p)
			}
		}
		if len(inliers) > len(bestInliers) {
			best = model
			bestInliers = inliers
		}
	}
	return best, bestInliers
}

// sampleModel fits an exact model to a minimal random sample: one pair for a
// translation, three non-collinear pairs for an affine.
func sampleModel(pairs []pair, mode Mode, rng *rand.Rand) (Transform, bool) {
	if mode != ModeFull {
		p := pairs[rng.Intn(len(pairs))]
		return Transform{Kind: KindTranslation, DX: p.rx - p.tx, DY: p.ry - p.ty}, true
	}

	if len(pairs) < 3 {
		return Transform{}, false
	}
	idx := rng.Perm(len(pairs))[:3]
	p0, p1, p2 := pairs[idx[0]], pairs[idx[1]], pairs[idx[2]]

	// collinear samples give a singular system
	area := (p1.tx-p0.tx)*(p2.ty-p0.ty) - (p1.ty-p0.ty)*(p2.tx-p0.tx)
	if math.Abs(area) < 1e-6 {
		return Transform{}, false
	}
	return fitAffineLS([]pair{p0, p1, p2})
}

// fitAffineLS solves the 2x3 affine minimising squared residuals over the
// pairs. The x and y rows are independent, so two 3-parameter least-squares
// problems share one design matrix.
func fitAffineLS(pairs []pair) (Transform, bool) {
	n := len(pairs)
	if n < 3 {
		return Transform{}, false
	}
	a := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, p := range pairs {
		a.Set(i, 0, p.tx)
		a.Set(i, 1, p.ty)
		a.Set(i, 2, 1)
		bx.SetVec(i, p.rx)
		by.SetVec(i, p.ry)
	}

	var qr mat.QR
	qr.Factorize(a)
	var rx, ry mat.VecDense
	if err := qr.SolveVecTo(&rx, false, bx); err != nil {
		return Transform{}, false
	}
	if err := qr.SolveVecTo(&ry, false, by); err != nil {
		return Transform{}, false
	}

	t := Transform{Kind: KindAffine}
	t.M[0], t.M[1], t.M[2] = rx.AtVec(0), rx.AtVec(1), rx.AtVec(2)
	t.M[3], t.M[4], t.M[5] = ry.AtVec(0), ry.AtVec(1), ry.AtVec(2)
	for _, v := range t.M {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, false
		}
	}
	return t, true
}

func fitTranslationLS(pairs []pair) Transform {
	var dx, dy float64
	for _, p := range pairs {
		dx += p.rx - p.tx
		dy += p.ry - p.ty
	}
	n := float64(len(pairs))
	return Transform{Kind: KindTranslation, DX: dx / n, DY: dy / n}
}

func rmsResidual(t Transform, pairs []pair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range pairs {
		x, y := t.Apply(p.tx, p.ty)
		dx, dy := p.rx-x, p.ry-y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(pairs)))
}
