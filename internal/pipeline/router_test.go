package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"log/slog"

	"astrostack/internal/capturelog"
	"astrostack/internal/config"
	"astrostack/internal/engine"
	"astrostack/internal/frame"
	"astrostack/internal/register"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Processing: config.Processing{ParallelJobs: 2},
		Detection: config.Detection{
			SigmaThreshold:     5.0,
			MaxStars:           200,
			MinArea:            4,
			MaxArea:            500,
			BorderMargin:       10,
			MeshSize:           64,
			DeblendLevels:      16,
			DeblendMinContrast: 0.02,
		},
		Registration: config.Registration{
			Mode:            "translation",
			MaxIterations:   500,
			InlierThreshold: 2.0,
			SearchRadius:    20.0,
		},
		Quality:  config.Quality{FilterFWHM: 4.0, MaxFWHM: 15.0, MaxEllipticity: 0.6},
		Stacking: config.Stacking{Method: "sigma", SigmaValue: 2.5},
		Paths:    config.Paths{DefaultOutput: t.TempDir()},
	}
}

func testRouter(t *testing.T, stub *stubEngine) *router {
	t.Helper()
	return &router{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:     testConfig(t),
		loader:  &stubLoader{frames: map[string]*frame.Frame{}},
		stacker: stub,
	}
}

func stackResult(w, h int) *engine.Result {
	return &engine.Result{
		Pixels:     make([]float32, w*h),
		Width:      w,
		Height:     h,
		Preview:    make([]uint8, w*h*4),
		Method:     "sigma(2.5)",
		FrameCount: 2,
		Alignment:  []register.Transform{register.Reference(), register.Identity()},
	}
}

func TestRouterStackResolvesSessionFrames(t *testing.T) {
	stub := &stubEngine{result: stackResult(8, 8)}
	r := testRouter(t, stub)
	r.resolve = func(sessionID string) (*capturelog.FrameSet, error) {
		if sessionID != "sess-1" {
			t.Fatalf("unexpected session %s", sessionID)
		}
		return &capturelog.FrameSet{
			Lights: []string{"/cap/l1.fits", "/cap/l2.fits"},
			Darks:  []string{"/cap/d1.fits"},
		}, nil
	}

	job := Job{
		ID:      "stack-session",
		Type:    JobStack,
		Output:  filepath.Join(t.TempDir(), "out.fits"),
		Options: map[string]any{"session": "sess-1"},
	}
	res := r.handleStack(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if stub.calls != 1 {
		t.Fatalf("expected one engine run, got %d", stub.calls)
	}
	if len(stub.lastParams.Lights) != 2 || len(stub.lastParams.Darks) != 1 {
		t.Fatalf("session frames not wired: %d lights, %d darks",
			len(stub.lastParams.Lights), len(stub.lastParams.Darks))
	}
	if _, err := os.Stat(job.Output); err != nil {
		t.Fatalf("stacked output not written: %v", err)
	}
	if res.Meta["preview"] == "" {
		t.Fatalf("preview path missing from meta")
	}
}

func TestRouterStackScansInputDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.fits", "a.fits", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	stub := &stubEngine{result: stackResult(4, 4)}
	r := testRouter(t, stub)

	job := Job{
		ID:        "stack-scan",
		Type:      JobStack,
		InputPath: dir,
		Output:    filepath.Join(t.TempDir(), "out.fits"),
		Options:   map[string]any{},
	}
	if res := r.handleStack(context.Background(), job); res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(stub.lastParams.Lights) != 2 {
		t.Fatalf("expected 2 frame files from scan, got %v", stub.lastParams.Lights)
	}
	if filepath.Base(stub.lastParams.Lights[0]) != "a.fits" {
		t.Fatalf("scan results not sorted: %v", stub.lastParams.Lights)
	}
}

func TestRouterStackOptionsOverrideDefaults(t *testing.T) {
	stub := &stubEngine{result: stackResult(4, 4)}
	r := testRouter(t, stub)

	job := Job{
		ID:     "stack-opts",
		Type:   JobStack,
		Output: filepath.Join(t.TempDir(), "out.fits"),
		Options: map[string]any{
			"lights":    []string{"l1.fits", "l2.fits"},
			"method":    "median",
			"alignment": "none",
			"quality":   true,
		},
	}
	if res := r.handleStack(context.Background(), job); res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if got := stub.lastParams.Method.String(); got != "median" {
		t.Fatalf("method %q, want median", got)
	}
	if stub.lastParams.Alignment != register.ModeNone {
		t.Fatalf("alignment %v, want none", stub.lastParams.Alignment)
	}
	if !stub.lastParams.EnableQuality {
		t.Fatalf("quality option not honoured")
	}
}

func TestRouterStackForwardsProgressWithJobID(t *testing.T) {
	var events []ProgressEvent
	stub := &stubEngine{result: stackResult(4, 4), emitProgress: true}
	r := testRouter(t, stub)
	r.progress = func(jobID string, p engine.Progress) {
		events = append(events, ProgressEvent{JobID: jobID, Progress: p})
	}

	job := Job{
		ID:      "stack-progress",
		Type:    JobStack,
		Output:  filepath.Join(t.TempDir(), "out.fits"),
		Options: map[string]any{"lights": []string{"l1.fits", "l2.fits"}},
	}
	if res := r.handleStack(context.Background(), job); res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(events) == 0 {
		t.Fatalf("no progress events forwarded")
	}
	if events[0].JobID != "stack-progress" {
		t.Fatalf("progress event carries job %q", events[0].JobID)
	}
}

func TestRouterStackRejectsBadMethod(t *testing.T) {
	r := testRouter(t, &stubEngine{result: stackResult(4, 4)})
	job := Job{
		ID:      "stack-bad",
		Type:    JobStack,
		Options: map[string]any{"method": "mystery"},
	}
	if res := r.handleStack(context.Background(), job); res.Error == nil {
		t.Fatalf("unknown method should fail the job")
	}
}

func TestRouterDetect(t *testing.T) {
	f := frame.New(64, 64)
	loader := &stubLoader{frames: map[string]*frame.Frame{"flat.fits": f}}
	r := testRouter(t, &stubEngine{})
	r.loader = loader

	job := Job{ID: "detect-1", Type: JobDetect, InputPath: "flat.fits", Options: map[string]any{}}
	res := r.handleDetect(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["stars"] != 0 {
		t.Fatalf("flat frame should yield no stars, got %v", res.Meta["stars"])
	}
}

func TestRouterCalibrateWritesMaster(t *testing.T) {
	a, b := frame.New(4, 4), frame.New(4, 4)
	for i := range a.Pixels {
		a.Pixels[i], b.Pixels[i] = 10, 20
	}
	loader := &stubLoader{frames: map[string]*frame.Frame{"d1.fits": a, "d2.fits": b}}
	r := testRouter(t, &stubEngine{})
	r.loader = loader

	out := filepath.Join(t.TempDir(), "master_dark.fits")
	job := Job{
		ID:     "cal-1",
		Type:   JobCalibrate,
		Output: out,
		Options: map[string]any{
			"role":   "dark",
			"frames": []string{"d1.fits", "d2.fits"},
		},
	}
	res := r.handleCalibrate(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["frames"] != 2 {
		t.Fatalf("frame count meta %v, want 2", res.Meta["frames"])
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("master dark not written: %v", err)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := testRouter(t, &stubEngine{})
	res := r.Process(context.Background(), Job{ID: "x", Type: JobType("mystery")})
	if res.Error == nil {
		t.Fatalf("unknown job type should error")
	}
}

// Stubs

type stubEngine struct {
	calls        int
	lastParams   engine.Params
	emitProgress bool
	result       *engine.Result
}

func (s *stubEngine) Run(ctx context.Context, p engine.Params, progress engine.ProgressFunc) (*engine.Result, error) {
	s.calls++
	s.lastParams = p
	if s.emitProgress && progress != nil {
		progress(engine.Progress{State: engine.StateStacking, Current: 1, Total: 2})
	}
	return s.result, nil
}

type stubLoader struct {
	frames map[string]*frame.Frame
}

func (s *stubLoader) Load(ctx context.Context, path string) (*frame.Frame, error) {
	if f, ok := s.frames[path]; ok {
		return f, nil
	}
	return nil, os.ErrNotExist
}
