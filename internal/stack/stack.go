// Package stack reduces a set of registered frames into one output frame,
// pixel by pixel. Each pixel gathers its valid contributors across the input
// frames and feeds them to the selected reducer; pixels with no valid
// contributor anywhere come out zero and masked invalid.
package stack

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"astrostack/internal/frame"
)

// ErrNoFrames is returned when the input set is empty.
var ErrNoFrames = errors.New("stack: no input frames")

type methodKind int

const (
	kindAverage methodKind = iota
	kindMedian
	kindMin
	kindMax
	kindSigma
	kindWinsorized
	kindWeighted
)

// Method selects the per-pixel reducer. Construct through the factory
// functions or Parse; the zero value is a plain average.
type Method struct {
	kind  methodKind
	sigma float64 // clipping width for sigma and winsorized
}

func Average() Method { return Method{kind: kindAverage} }

func Median() Method { return Method{kind: kindMedian} }

func Min() Method { return Method{kind: kindMin} }

func Max() Method { return Method{kind: kindMax} }

func Sigma(k float64) Method { return Method{kind: kindSigma, sigma: k} }

func Winsorized(k float64) Method { return Method{kind: kindWinsorized, sigma: k} }

func Weighted() Method { return Method{kind: kindWeighted} }

// Parse maps the job option string to a Method; sigma is the clipping width
// applied to the sigma and winsorized reducers.
func Parse(s string, sigma float64) (Method, error) {
	if sigma <= 0 {
		sigma = 2.5
	}
	switch s {
	case "", "average", "mean":
		return Average(), nil
	case "median":
		return Median(), nil
	case "min", "minimum":
		return Min(), nil
	case "max", "maximum":
		return Max(), nil
	case "sigma", "sigma-clip":
		return Sigma(sigma), nil
	case "winsorized":
		return Winsorized(sigma), nil
	case "weighted":
		return Weighted(), nil
	}
	return Method{}, fmt.Errorf("unknown stacking method %q", s)
}

func (m Method) String() string {
	switch m.kind {
	case kindMedian:
		return "median"
	case kindMin:
		return "min"
	case kindMax:
		return "max"
	case kindSigma:
		return fmt.Sprintf("sigma(%.1f)", m.sigma)
	case kindWinsorized:
		return fmt.Sprintf("winsorized(%.1f)", m.sigma)
	case kindWeighted:
		return "weighted"
	default:
		return "average"
	}
}

// Options carries the per-job stacking knobs.
type Options struct {
	// Weights holds one weight per frame for the weighted reducer, usually
	// the quality scores. All-zero or missing weights degrade to a plain
	// average rather than a zero image.
	Weights []float64
	// Workers bounds the row-tile parallelism; <= 0 means GOMAXPROCS.
	Workers int
}

// Stack reduces the frames into one output of the same dimensions. All
// frames must share the first frame's size. The result is independent of
// the order frames are listed in.
func Stack(frames []*frame.Frame, m Method, opts Options) (*frame.Frame, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	w, h := frames[0].Width, frames[0].Height
	for i, f := range frames {
		if f.Width != w || f.Height != h {
			return nil, fmt.Errorf("stack: frame %d is %dx%d, want %dx%d", i, f.Width, f.Height, w, h)
		}
	}
	if m.kind == kindWeighted && !usableWeights(opts.Weights, len(frames)) {
		m = Average()
	}

	out := frame.New(w, h)
	out.Valid = frame.NewMaskAllValid(w * h)
	anyInvalid := false
	var invalidMu sync.Mutex

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > h {
		workers = h
	}
	if workers < 1 {
		workers = 1
	}

	rowsPer := (h + workers - 1) / workers
	var wg sync.WaitGroup
	for wkr := 0; wkr < workers; wkr++ {
		y0 := wkr * rowsPer
		y1 := y0 + rowsPer
		if y1 > h {
			y1 = h
		}
		if y0 >= y1 {
			break
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			values := make([]float64, 0, len(frames))
			weights := make([]float64, 0, len(frames))
			sawInvalid := false
			for y := y0; y < y1; y++ {
				row := y * w
				for x := 0; x < w; x++ {
					i := row + x
					values = values[:0]
					weights = weights[:0]
					for fi, f := range frames {
						if f.Valid != nil && !f.Valid.Get(i) {
							continue
						}
						values = append(values, float64(f.Pixels[i]))
						if m.kind == kindWeighted {
							weights = append(weights, opts.Weights[fi])
						}
					}
					if len(values) == 0 {
						out.Valid.Clear(i)
						sawInvalid = true
						continue
					}
					out.Pixels[i] = float32(reduce(m, values, weights))
				}
			}
			if sawInvalid {
				invalidMu.Lock()
				anyInvalid = true
				invalidMu.Unlock()
			}
		}(y0, y1)
	}
	wg.Wait()

	if !anyInvalid {
		out.Valid = nil
	}
	return out, nil
}

func usableWeights(weights []float64, n int) bool {
	if len(weights) != n {
		return false
	}
	for _, w := range weights {
		if w > 0 {
			return true
		}
	}
	return false
}

// reduce collapses one pixel's contributor list. values may be reordered.
func reduce(m Method, values, weights []float64) float64 {
	switch m.kind {
	case kindMedian:
		return medianInPlace(values)
	case kindMin:
		v := values[0]
		for _, x := range values[1:] {
			if x < v {
				v = x
			}
		}
		return v
	case kindMax:
		v := values[0]
		for _, x := range values[1:] {
			if x > v {
				v = x
			}
		}
		return v
	case kindSigma:
		return sigmaClippedMean(values, m.sigma)
	case kindWinsorized:
		return winsorizedMean(values, m.sigma)
	case kindWeighted:
		var sum, wsum float64
		for i, v := range values {
			sum += v * weights[i]
			wsum += weights[i]
		}
		if wsum == 0 {
			return mean(values)
		}
		return sum / wsum
	default:
		return mean(values)
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func medianInPlace(values []float64) float64 {
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// sigmaClippedMean iteratively rejects values further than k standard
// deviations from the mean and averages the survivors. Small stacks where
// clipping would leave fewer than two values fall back to the plain mean.
func sigmaClippedMean(values []float64, k float64) float64 {
	if len(values) < 3 || k <= 0 {
		return mean(values)
	}
	sort.Float64s(values)
	kept := values
	for {
		m, s := meanStddev(kept)
		if s == 0 {
			return m
		}
		lo, hi := m-k*s, m+k*s
		next := kept[:0:0]
		for _, v := range kept {
			if v >= lo && v <= hi {
				next = append(next, v)
			}
		}
		if len(next) == len(kept) || len(next) < 2 {
			return m
		}
		kept = next
	}
}

// winsorizedMean runs the same iterative outlier identification as the sigma
// reducer but clamps outliers to the k-sigma bounds instead of dropping them,
// re-estimating until the set stops changing.
func winsorizedMean(values []float64, k float64) float64 {
	if len(values) < 3 || k <= 0 {
		return mean(values)
	}
	work := append([]float64(nil), values...)
	for round := 0; round < 10; round++ {
		m, s := meanStddev(work)
		if s == 0 {
			return m
		}
		lo, hi := m-k*s, m+k*s
		changed := false
		for i, v := range work {
			if v < lo {
				work[i] = lo
				changed = true
			} else if v > hi {
				work[i] = hi
				changed = true
			}
		}
		if !changed {
			return m
		}
	}
	return mean(work)
}

func meanStddev(values []float64) (float64, float64) {
	m := mean(values)
	if len(values) < 2 {
		return m, 0
	}
	sq := 0.0
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return m, math.Sqrt(sq / float64(len(values)-1))
}
