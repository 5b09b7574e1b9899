// Package quality scores frames for stacking: a 0-100 figure of merit
// combining star count and median sharpness, used both to weight frames in
// weighted stacking and to surface bad subs to the user.
package quality

import (
	"math"
	"sort"

	"astrostack/internal/detect"
)

// Metric is the per-frame quality report.
type Metric struct {
	Score       float64 // 0..100, higher is better
	StarCount   int     // all detected sources, including shape rejects
	MedianFWHM  float64 // over sanity-filtered sources, 0 when none qualify
	Ellipticity float64 // median over sanity-filtered sources
}

// Config bounds the sources admitted to the sharpness statistics. Sources
// beyond the bounds still count toward StarCount; they are just not trusted
// to describe seeing.
type Config struct {
	MaxFWHM        float64 // pixels
	MaxEllipticity float64
	ScaleFWHM      float64 // FWHM at which sharpness contributes half weight
}

// DefaultConfig mirrors the settings defaults shipped with the app.
func DefaultConfig() Config {
	return Config{
		MaxFWHM:        15.0,
		MaxEllipticity: 0.6,
		ScaleFWHM:      4.0,
	}
}

// Evaluate scores one frame's catalog. The score saturates with star count
// (n / (n + 25)) and falls off with median FWHM (f0 / (f0 + fwhm)), so more
// stars and tighter stars both push toward 100. A frame with no qualifying
// sources scores zero.
func Evaluate(catalog detect.Catalog, cfg Config) Metric {
	m := Metric{StarCount: len(catalog)}

	var fwhms, ellips []float64
	for _, s := range catalog {
		if s.FWHM <= 0 || s.FWHM > cfg.MaxFWHM || s.Ellipticity > cfg.MaxEllipticity {
			continue
		}
		fwhms = append(fwhms, s.FWHM)
		ellips = append(ellips, s.Ellipticity)
	}
	if len(fwhms) == 0 {
		return m
	}

	m.MedianFWHM = median(fwhms)
	m.Ellipticity = median(ellips)

	n := float64(m.StarCount)
	f0 := cfg.ScaleFWHM
	if f0 <= 0 {
		f0 = DefaultConfig().ScaleFWHM
	}
	m.Score = 100 * (n / (n + 25)) * (f0 / (f0 + m.MedianFWHM))
	if math.IsNaN(m.Score) || m.Score < 0 {
		m.Score = 0
	}
	return m
}

func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
