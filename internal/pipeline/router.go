package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"astrostack/internal/calibrate"
	"astrostack/internal/capturelog"
	"astrostack/internal/config"
	"astrostack/internal/decode"
	"astrostack/internal/detect"
	"astrostack/internal/engine"
	"astrostack/internal/frame"
	"astrostack/internal/fsutil"
	"astrostack/internal/preview"
	"astrostack/internal/quality"
	"astrostack/internal/register"
	"astrostack/internal/stack"
	"astrostack/internal/storage"
)

// stacker runs one stacking job end to end.
type stacker interface {
	Run(ctx context.Context, p engine.Params, progress engine.ProgressFunc) (*engine.Result, error)
}

// sessionResolver maps a capture session ID to grouped frame paths.
type sessionResolver func(sessionID string) (*capturelog.FrameSet, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	loader   engine.FrameLoader
	stacker  stacker
	resolve  sessionResolver
	progress func(jobID string, p engine.Progress)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, loader engine.FrameLoader, progress func(string, engine.Progress)) Processor {
	r := &router{
		log:      logger,
		store:    store,
		cfg:      cfg,
		loader:   loader,
		stacker:  engine.New(loader, logger),
		progress: progress,
	}
	r.resolve = func(sessionID string) (*capturelog.FrameSet, error) {
		if cfg.Paths.CaptureLogPath == "" {
			return nil, fmt.Errorf("paths.capture_log_path is not configured")
		}
		db, err := capturelog.Open(cfg.Paths.CaptureLogPath, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return db.SessionFrames(sessionID)
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStack:
		return r.handleStack(ctx, job)
	case JobDetect:
		return r.handleDetect(ctx, job)
	case JobCalibrate:
		return r.handleCalibrate(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	params := r.baseParams()

	methodStr := getStringOption(job.Options, "method")
	if methodStr == "" {
		methodStr = r.cfg.Stacking.Method
	}
	sigma := getFloat64Option(job.Options, "sigma")
	if sigma <= 0 {
		sigma = r.cfg.Stacking.SigmaValue
	}
	method, err := stack.Parse(methodStr, sigma)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	params.Method = method

	if alignStr := getStringOption(job.Options, "alignment"); alignStr != "" {
		mode, err := register.ParseMode(alignStr)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		params.Alignment = mode
	}
	if getBoolOption(job.Options, "quality") {
		params.EnableQuality = true
	}

	params.Lights = expandFramePaths(stringList(job.Options, "lights"))
	params.Darks = expandFramePaths(stringList(job.Options, "darks"))
	params.Flats = expandFramePaths(stringList(job.Options, "flats"))
	params.Biases = expandFramePaths(stringList(job.Options, "biases"))

	if session := getStringOption(job.Options, "session"); session != "" {
		set, err := r.resolve(session)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("resolving capture session %s: %w", session, err)}
		}
		params.Lights = set.Lights
		params.Darks = set.Darks
		params.Flats = set.Flats
		params.Biases = set.Biases
	}
	if len(params.Lights) == 0 && job.InputPath != "" {
		frames, err := fsutil.ListFrames(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("scanning %s: %w", job.InputPath, err)}
		}
		params.Lights = frames
	}

	res, err := r.stacker.Run(ctx, params, func(p engine.Progress) {
		if r.progress != nil {
			r.progress(job.ID, p)
		}
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	outPath := job.Output
	if outPath == "" {
		outPath = filepath.Join(r.cfg.Paths.DefaultOutput, job.ID+".fits")
	}
	stacked := frame.New(res.Width, res.Height)
	copy(stacked.Pixels, res.Pixels)
	if err := decode.WriteFITS(outPath, stacked); err != nil {
		return Result{Job: job, Error: fmt.Errorf("writing stacked frame: %w", err)}
	}
	previewPath := previewPathFor(outPath)
	if err := decode.WritePNG(previewPath, res.Preview, res.Width, res.Height); err != nil {
		r.log.Warn("writing preview failed", "path", previewPath, "error", err)
		previewPath = ""
	}

	r.recordDiagnostics(job.ID, params.Lights, res)

	meta := map[string]any{
		"output":   outPath,
		"preview":  previewPath,
		"method":   res.Method,
		"frames":   res.FrameCount,
		"duration": res.Duration.String(),
	}
	if len(res.Quality) > 0 {
		best, bestScore := 0, res.Quality[0].Score
		for i, q := range res.Quality {
			if q.Score > bestScore {
				best, bestScore = i, q.Score
			}
		}
		meta["bestFrame"] = filepath.Base(params.Lights[best])
		meta["bestScore"] = bestScore
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleDetect(ctx context.Context, job Job) Result {
	f, err := r.loader.Load(ctx, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	cfg := r.detectConfig()
	if sigma := getFloat64Option(job.Options, "sigma"); sigma > 0 {
		cfg.SigmaThreshold = sigma
	}
	catalog := detect.Extract(f, cfg)

	meta := map[string]any{
		"stars": len(catalog),
	}
	metric := quality.Evaluate(catalog, r.qualityConfig())
	meta["score"] = metric.Score
	meta["medianFWHM"] = metric.MedianFWHM
	meta["ellipticity"] = metric.Ellipticity

	if job.Output != "" {
		if err := preview.SaveOverlayPNG(job.Output, f, catalog); err != nil {
			return Result{Job: job, Error: fmt.Errorf("writing overlay: %w", err)}
		}
		meta["overlay"] = job.Output
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleCalibrate(ctx context.Context, job Job) Result {
	role := getStringOption(job.Options, "role")
	if role == "" {
		role = "dark"
	}
	paths := stringList(job.Options, "frames")
	if len(paths) == 0 && job.InputPath != "" {
		var err error
		paths, err = fsutil.ListFrames(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("scanning %s: %w", job.InputPath, err)}
		}
	}
	if len(paths) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no %s frames to combine", role)}
	}

	frames := make([]*frame.Frame, 0, len(paths))
	for _, p := range paths {
		f, err := r.loader.Load(ctx, p)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		frames = append(frames, f)
	}
	master, err := calibrate.Combine(role, frames)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	outPath := job.Output
	if outPath == "" {
		outPath = filepath.Join(r.cfg.Paths.DefaultOutput, "master_"+role+".fits")
	}
	if err := decode.WriteFITS(outPath, master); err != nil {
		return Result{Job: job, Error: fmt.Errorf("writing master %s: %w", role, err)}
	}
	return Result{Job: job, Meta: map[string]any{
		"output": outPath,
		"role":   role,
		"frames": len(frames),
	}}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	frames, err := fsutil.ListFrames(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	fits, raw := 0, 0
	for _, p := range frames {
		switch {
		case fsutil.IsFITSFile(p):
			fits++
		case fsutil.IsRAWFile(p):
			raw++
		}
	}
	return Result{Job: job, Meta: map[string]any{
		"frames": len(frames),
		"fits":   fits,
		"raw":    raw,
		"other":  len(frames) - fits - raw,
	}}
}

// baseParams translates configuration defaults into engine parameters.
func (r *router) baseParams() engine.Params {
	mode, err := register.ParseMode(r.cfg.Registration.Mode)
	if err != nil {
		mode = register.ModeTranslation
	}
	return engine.Params{
		Alignment: mode,
		Detect:    r.detectConfig(),
		Register: register.Config{
			Mode:            mode,
			MaxIterations:   r.cfg.Registration.MaxIterations,
			InlierThreshold: r.cfg.Registration.InlierThreshold,
			SearchRadius:    r.cfg.Registration.SearchRadius,
		},
		Quality:      r.qualityConfig(),
		ParallelJobs: r.cfg.Processing.ParallelJobs,
	}
}

func (r *router) detectConfig() detect.Config {
	return detect.Config{
		MeshSize:           r.cfg.Detection.MeshSize,
		SigmaThreshold:     r.cfg.Detection.SigmaThreshold,
		MinArea:            r.cfg.Detection.MinArea,
		MaxArea:            r.cfg.Detection.MaxArea,
		BorderMargin:       r.cfg.Detection.BorderMargin,
		DeblendLevels:      r.cfg.Detection.DeblendLevels,
		DeblendMinContrast: r.cfg.Detection.DeblendMinContrast,
		MaxStars:           r.cfg.Detection.MaxStars,
	}
}

func (r *router) qualityConfig() quality.Config {
	return quality.Config{
		MaxFWHM:        r.cfg.Quality.MaxFWHM,
		MaxEllipticity: r.cfg.Quality.MaxEllipticity,
		ScaleFWHM:      r.cfg.Quality.FilterFWHM,
	}
}

func (r *router) recordDiagnostics(jobID string, lights []string, res *engine.Result) {
	if r.store == nil {
		return
	}
	diags := make([]storage.FrameDiagnostic, 0, len(lights))
	for i, path := range lights {
		d := storage.FrameDiagnostic{
			JobID:      jobID,
			FrameIndex: i,
			FilePath:   path,
		}
		if i < len(res.Alignment) {
			t := res.Alignment[i]
			d.MatchedStars = t.MatchedStars
			d.RMSError = t.RMSError
			d.DX, d.DY = t.DX, t.DY
		}
		if i < len(res.Quality) {
			q := res.Quality[i]
			d.Score = q.Score
			d.MedianFWHM = q.MedianFWHM
			d.Ellipticity = q.Ellipticity
			d.StarCount = q.StarCount
		}
		diags = append(diags, d)
	}
	if err := r.store.RecordFrameDiagnostics(diags); err != nil {
		r.log.Warn("recording frame diagnostics failed", "job", jobID, "error", err)
	}
}

// expandFramePaths replaces directory entries with the frame files inside
// them, keeping plain file paths as-is.
func expandFramePaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err == nil && info.IsDir() {
			if frames, err := fsutil.ListFrames(p); err == nil {
				out = append(out, frames...)
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func previewPathFor(fitsPath string) string {
	ext := filepath.Ext(fitsPath)
	return fitsPath[:len(fitsPath)-len(ext)] + ".png"
}

// Helper functions to safely extract typed options from job.Options map.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

// stringList accepts both []string and JSON-decoded []any values.
func stringList(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
