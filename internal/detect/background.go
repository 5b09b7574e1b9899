package detect

import (
	"math"

	"astrostack/internal/frame"
)

// backgroundMap holds full-resolution background level and noise estimates,
// bilinearly interpolated from a coarse mesh of robust per-cell statistics.
type backgroundMap struct {
	level []float32
	noise []float32
	width int
}

func (b *backgroundMap) levelAt(i int) float64 { return float64(b.level[i]) }
func (b *backgroundMap) noiseAt(i int) float64 { return float64(b.noise[i]) }

// estimateBackground partitions the frame into meshSize x meshSize cells,
// computes a sigma-clipped mean and standard deviation per cell, and
// interpolates between cell centers. Stars bias the plain mean upward, which
// is why the cell statistics are clipped before use.
func estimateBackground(f *frame.Frame, meshSize int) *backgroundMap {
	if meshSize < 8 {
		meshSize = 8
	}
	cellsX := (f.Width + meshSize - 1) / meshSize
	cellsY := (f.Height + meshSize - 1) / meshSize

	cellLevel := make([]float64, cellsX*cellsY)
	cellNoise := make([]float64, cellsX*cellsY)

	values := make([]float64, 0, meshSize*meshSize)
	for cy := 0; cy < cellsY; cy++ {
		for cx := 0; cx < cellsX; cx++ {
			x0, y0 := cx*meshSize, cy*meshSize
			x1, y1 := min(x0+meshSize, f.Width), min(y0+meshSize, f.Height)

			values = values[:0]
			for y := y0; y < y1; y++ {
				row := y * f.Width
				for x := x0; x < x1; x++ {
					values = append(values, float64(f.Pixels[row+x]))
				}
			}
			mean, stddev := clippedStats(values, 3.0, 3)
			cellLevel[cy*cellsX+cx] = mean
			cellNoise[cy*cellsX+cx] = stddev
		}
	}

	bm := &backgroundMap{
		level: make([]float32, len(f.Pixels)),
		noise: make([]float32, len(f.Pixels)),
		width: f.Width,
	}
	half := float64(meshSize) / 2
	for y := 0; y < f.Height; y++ {
		// fractional cell coordinates relative to cell centers
		gy := (float64(y) - half + 0.5) / float64(meshSize)
		cy0 := int(math.Floor(gy))
		fy := gy - float64(cy0)
		cy0 = clampInt(cy0, 0, cellsY-1)
		cy1 := clampInt(cy0+1, 0, cellsY-1)

		for x := 0; x < f.Width; x++ {
			gx := (float64(x) - half + 0.5) / float64(meshSize)
			cx0 := int(math.Floor(gx))
			fx := gx - float64(cx0)
			cx0 = clampInt(cx0, 0, cellsX-1)
			cx1 := clampInt(cx0+1, 0, cellsX-1)

			fxc := clampFloat(fx, 0, 1)
			fyc := clampFloat(fy, 0, 1)

			i := y*f.Width + x
			bm.level[i] = float32(bilerp(
				cellLevel[cy0*cellsX+cx0], cellLevel[cy0*cellsX+cx1],
				cellLevel[cy1*cellsX+cx0], cellLevel[cy1*cellsX+cx1],
				fxc, fyc))
			bm.noise[i] = float32(bilerp(
				cellNoise[cy0*cellsX+cx0], cellNoise[cy0*cellsX+cx1],
				cellNoise[cy1*cellsX+cx0], cellNoise[cy1*cellsX+cx1],
				fxc, fyc))
		}
	}
	return bm
}

// clippedStats iteratively rejects values further than k standard deviations
// from the mean, then returns the mean and stddev of the survivors.
func clippedStats(values []float64, k float64, rounds int) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	kept := values
	mean, stddev := meanStddev(kept)
	for r := 0; r < rounds; r++ {
		if stddev == 0 {
			break
		}
		lo, hi := mean-k*stddev, mean+k*stddev
		next := kept[:0:0]
		for _, v := range kept {
			if v >= lo && v <= hi {
				next = append(next, v)
			}
		}
		if len(next) == len(kept) || len(next) < 2 {
			break
		}
		kept = next
		mean, stddev = meanStddev(kept)
	}
	return mean, stddev
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	sq := 0.0
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}

func bilerp(v00, v10, v01, v11, fx, fy float64) float64 {
	top := v00*(1-fx) + v10*fx
	bot := v01*(1-fx) + v11*fx
	return top*(1-fy) + bot*fy
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
