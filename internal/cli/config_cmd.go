package cli

import (
	"fmt"
	"os"
	"runtime"
)

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("ASTROSTACK_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/astrostack/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("  Temp directory: %s\n", r.cfg.Processing.TempDir)
	fmt.Printf("\nDetection:\n")
	fmt.Printf("  Sigma threshold: %.1f\n", r.cfg.Detection.SigmaThreshold)
	fmt.Printf("  Max stars: %d\n", r.cfg.Detection.MaxStars)
	fmt.Printf("  Area bounds: %d..%d px\n", r.cfg.Detection.MinArea, r.cfg.Detection.MaxArea)
	fmt.Printf("\nRegistration:\n")
	fmt.Printf("  Mode: %s\n", r.cfg.Registration.Mode)
	fmt.Printf("  Max iterations: %d\n", r.cfg.Registration.MaxIterations)
	fmt.Printf("  Inlier threshold: %.1f px\n", r.cfg.Registration.InlierThreshold)
	fmt.Printf("\nStacking:\n")
	fmt.Printf("  Method: %s\n", r.cfg.Stacking.Method)
	fmt.Printf("  Sigma value: %.1f\n", r.cfg.Stacking.SigmaValue)
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	if r.cfg.Paths.CaptureLogPath != "" {
		fmt.Printf("  Capture log: %s\n", r.cfg.Paths.CaptureLogPath)
	}
	fmt.Printf("\nServer:\n")
	fmt.Printf("  Listen: %s\n", r.cfg.Server.Listen)
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("Astrostack v1.0.0-dev\n")
	fmt.Printf("Built with Go %s\n", runtime.Version())
	return nil
}
