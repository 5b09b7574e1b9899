// Package engine sequences one stacking job: calibration, per-frame source
// extraction, registration against the reference frame, pixel stacking and
// quality scoring, with ordered progress reporting and cooperative
// cancellation between frames.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"astrostack/internal/calibrate"
	"astrostack/internal/detect"
	"astrostack/internal/frame"
	"astrostack/internal/preview"
	"astrostack/internal/quality"
	"astrostack/internal/register"
	"astrostack/internal/stack"
)

// State labels the orchestrator stages. Cancelled and Failed are terminal
// and reachable from any non-terminal state.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateExtracting
	StateRegistering
	StateStacking
	StateScoring
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateExtracting:
		return "extracting"
	case StateRegistering:
		return "registering"
	case StateStacking:
		return "stacking"
	case StateScoring:
		return "scoring"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrInsufficientFrames rejects jobs with fewer than two light frames
	// before any processing starts.
	ErrInsufficientFrames = errors.New("stacking requires at least 2 light frames")

	// ErrCancelled reports cooperative cancellation. No partial result is
	// retained and no further progress is delivered once it is observed.
	ErrCancelled = errors.New("stacking job cancelled")
)

// CalibrationLoadError wraps a failure to decode or combine a calibration
// frame; fatal to the job.
type CalibrationLoadError struct {
	Role string
	Path string
	Err  error
}

func (e *CalibrationLoadError) Error() string {
	return fmt.Sprintf("loading %s frame %s: %v", e.Role, e.Path, e.Err)
}

func (e *CalibrationLoadError) Unwrap() error { return e.Err }

// Progress is one report delivered to the job's progress sink. Current is
// non-decreasing within a stage even when frames finish out of order.
type Progress struct {
	State   State
	Current int
	Total   int
	Message string
}

// ProgressFunc receives progress reports. May be nil.
type ProgressFunc func(Progress)

// FrameLoader decodes one file into a Frame. This is the only stage expected
// to block on I/O, so it takes the job context.
type FrameLoader interface {
	Load(ctx context.Context, path string) (*frame.Frame, error)
}

// Params describes one stacking job.
type Params struct {
	Lights []string
	Darks  []string
	Flats  []string
	Biases []string

	Method    stack.Method
	Alignment register.Mode

	Detect   detect.Config
	Register register.Config
	Quality  quality.Config

	// EnableQuality attaches per-frame metrics to the result. Forced on for
	// the weighted method, which needs the scores as stacking weights.
	EnableQuality bool

	// ParallelJobs bounds the per-frame worker pool; <= 0 means 1.
	ParallelJobs int
}

// Result is the completed job output. Alignment and Quality are indexed like
// Params.Lights.
type Result struct {
	Pixels     []float32
	Width      int
	Height     int
	Preview    []uint8 // RGBA8, Width*Height*4
	Method     string
	FrameCount int
	Duration   time.Duration
	Alignment  []register.Transform
	Quality    []quality.Metric
}

// Engine runs stacking jobs. Safe for sequential reuse; one job at a time
// per Engine value.
type Engine struct {
	loader FrameLoader
	log    *slog.Logger
}

func New(loader FrameLoader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{loader: loader, log: logger}
}

// Run executes one job to completion. Cancellation is observed between
// frames and at stage boundaries; a cancelled job returns ErrCancelled and
// no result.
func (e *Engine) Run(ctx context.Context, p Params, progress ProgressFunc) (*Result, error) {
	start := time.Now()
	total := len(p.Lights)
	if total < 2 {
		return nil, ErrInsufficientFrames
	}
	if p.Method.String() == "weighted" {
		p.EnableQuality = true
	}
	p.Register.Mode = p.Alignment
	workers := p.ParallelJobs
	if workers < 1 {
		workers = 1
	}
	report := func(pr Progress) {
		if progress != nil {
			progress(pr)
		}
	}

	// calibration masters
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	report(Progress{State: StateCalibrating, Total: total, Message: "building calibration masters"})
	cal, err := e.buildCalibration(ctx, p)
	if err != nil {
		return nil, err
	}

	// load + calibrate lights across the pool
	frames := make([]*frame.Frame, total)
	err = e.forEachFrame(ctx, total, workers, StateCalibrating, "calibrated", report, func(i int) error {
		f, err := e.loader.Load(ctx, p.Lights[i])
		if err != nil {
			return fmt.Errorf("loading light frame %s: %w", p.Lights[i], err)
		}
		frames[i], err = cal.Apply(f)
		if err != nil {
			return fmt.Errorf("calibrating %s: %w", p.Lights[i], err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ref := frames[0]
	for _, f := range frames {
		if !f.SameSize(ref) {
			return nil, &calibrate.DimensionMismatchError{
				Role:  "light",
				WantW: ref.Width, WantH: ref.Height,
				GotW: f.Width, GotH: f.Height,
			}
		}
	}

	// per-frame source catalogs
	catalogs := make([]detect.Catalog, total)
	err = e.forEachFrame(ctx, total, workers, StateExtracting, "extracted", report, func(i int) error {
		catalogs[i] = detect.Extract(frames[i], p.Detect)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// registration against the reference catalog, then resampling
	transforms := make([]register.Transform, total)
	err = e.forEachFrame(ctx, total, workers, StateRegistering, "registered", report, func(i int) error {
		if p.Alignment == register.ModeNone || i == 0 {
			transforms[i] = register.Reference()
			return nil
		}
		t := register.Register(catalogs[i], catalogs[0], p.Register)
		if !t.Registered() {
			e.log.Warn("registration failed, frame stacks unaligned",
				"frame", p.Lights[i], "stars", len(catalogs[i]))
		} else if t.Kind != register.KindIdentity {
			frames[i] = register.Resample(frames[i], t, ref.Width, ref.Height)
		}
		transforms[i] = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	// quality metrics; the weighted reducer consumes the scores
	metrics := make([]quality.Metric, total)
	if p.EnableQuality {
		for i := range catalogs {
			metrics[i] = quality.Evaluate(catalogs[i], p.Quality)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	report(Progress{State: StateStacking, Current: total, Total: total, Message: "stacking frames"})
	weights := make([]float64, total)
	for i, m := range metrics {
		weights[i] = m.Score
	}
	stacked, err := stack.Stack(frames, p.Method, stack.Options{Weights: weights, Workers: workers})
	if err != nil {
		return nil, fmt.Errorf("stacking: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	report(Progress{State: StateScoring, Current: total, Total: total, Message: "scoring result"})

	res := &Result{
		Pixels:     stacked.Pixels,
		Width:      stacked.Width,
		Height:     stacked.Height,
		Preview:    preview.RGBA(stacked),
		Method:     p.Method.String(),
		FrameCount: total,
		Duration:   time.Since(start),
		Alignment:  transforms,
		Quality:    nil,
	}
	if p.EnableQuality {
		res.Quality = metrics
	}
	report(Progress{State: StateDone, Current: total, Total: total, Message: "done"})
	e.log.Info("stacking job complete",
		"frames", total, "method", res.Method,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// buildCalibration loads and combines each calibration role into a master.
func (e *Engine) buildCalibration(ctx context.Context, p Params) (*calibrate.Set, error) {
	set := &calibrate.Set{}
	for _, role := range []struct {
		name  string
		paths []string
		dst   **frame.Frame
	}{
		{"dark", p.Darks, &set.Dark},
		{"flat", p.Flats, &set.Flat},
		{"bias", p.Biases, &set.Bias},
	} {
		if len(role.paths) == 0 {
			continue
		}
		raws := make([]*frame.Frame, 0, len(role.paths))
		for _, path := range role.paths {
			if err := ctx.Err(); err != nil {
				return nil, ErrCancelled
			}
			f, err := e.loader.Load(ctx, path)
			if err != nil {
				return nil, &CalibrationLoadError{Role: role.name, Path: path, Err: err}
			}
			raws = append(raws, f)
		}
		master, err := calibrate.Combine(role.name, raws)
		if err != nil {
			return nil, &CalibrationLoadError{Role: role.name, Path: role.paths[0], Err: err}
		}
		*role.dst = master
	}
	return set, nil
}

// forEachFrame runs fn over every frame index across the worker pool and
// delivers per-frame progress in non-decreasing index order. The first error
// wins; cancellation is observed before each frame is picked up.
func (e *Engine) forEachFrame(ctx context.Context, total, workers int, state State, verb string, report ProgressFunc, fn func(i int) error) error {
	if workers > total {
		workers = total
	}

	type outcome struct {
		idx int
		err error
	}
	indexes := make(chan int)
	outcomes := make(chan outcome)

	for w := 0; w < workers; w++ {
		go func() {
			for i := range indexes {
				if ctx.Err() != nil {
					outcomes <- outcome{idx: i, err: ErrCancelled}
					continue
				}
				outcomes <- outcome{idx: i, err: fn(i)}
			}
		}()
	}
	go func() {
		for i := 0; i < total; i++ {
			indexes <- i
		}
		close(indexes)
	}()

	// buffer completions so progress flushes in index order
	done := make(map[int]bool, total)
	next := 0
	var firstErr error
	for received := 0; received < total; received++ {
		o := <-outcomes
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
		done[o.idx] = true
		for done[next] {
			next++
			if firstErr == nil && ctx.Err() == nil {
				report(Progress{
					State:   state,
					Current: next,
					Total:   total,
					Message: fmt.Sprintf("%s frame %d of %d", verb, next, total),
				})
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	return nil
}
