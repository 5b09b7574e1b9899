package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/astrostack/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the stacking pipeline.
type Config struct {
	Processing   Processing   `json:"processing"`
	Detection    Detection    `json:"detection"`
	Registration Registration `json:"registration"`
	Quality      Quality      `json:"quality"`
	Stacking     Stacking     `json:"stacking"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Server       Server       `json:"server"`
	Watch        Watch        `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Detection tunes the source extractor.
type Detection struct {
	SigmaThreshold     float64 `json:"sigma_threshold"`
	MaxStars           int     `json:"max_stars"`
	MinArea            int     `json:"min_area"`
	MaxArea            int     `json:"max_area"`
	BorderMargin       int     `json:"border_margin"`
	MeshSize           int     `json:"mesh_size"`
	DeblendLevels      int     `json:"deblend_levels"`
	DeblendMinContrast float64 `json:"deblend_min_contrast"`
}

// Registration tunes the frame registrator.
type Registration struct {
	Mode            string  `json:"mode"` // none, translation, full
	MaxIterations   int     `json:"max_iterations"`
	InlierThreshold float64 `json:"inlier_threshold"`
	SearchRadius    float64 `json:"search_radius"`
}

// Quality tunes the frame quality evaluator.
type Quality struct {
	FilterFWHM     float64 `json:"filter_fwhm"`
	MaxFWHM        float64 `json:"max_fwhm"`
	MaxEllipticity float64 `json:"max_ellipticity"`
}

// Stacking selects the default pixel combination.
type Stacking struct {
	Method     string  `json:"method"` // average, median, sigma, min, max, winsorized, weighted
	SigmaValue float64 `json:"sigma_value"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput   string `json:"default_input"`
	DefaultOutput  string `json:"default_output"`
	DatabasePath   string `json:"database_path"`
	CaptureLogPath string `json:"capture_log_path"` // companion app capture database
}

// Server configures the HTTP API.
type Server struct {
	Listen string `json:"listen"`
}

// Watch configures the capture-directory watcher.
type Watch struct {
	Directory  string `json:"directory"`
	DebounceMS int    `json:"debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("ASTROSTACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Detection.SigmaThreshold <= 0 {
		return fmt.Errorf("detection.sigma_threshold must be positive, got %g", c.Detection.SigmaThreshold)
	}
	if c.Detection.MinArea < 1 || (c.Detection.MaxArea > 0 && c.Detection.MaxArea < c.Detection.MinArea) {
		return fmt.Errorf("detection area bounds invalid: min %d, max %d", c.Detection.MinArea, c.Detection.MaxArea)
	}
	switch c.Registration.Mode {
	case "none", "translation", "full":
	default:
		return fmt.Errorf("registration.mode must be none, translation or full, got %q", c.Registration.Mode)
	}
	if c.Registration.MaxIterations < 1 {
		return fmt.Errorf("registration.max_iterations must be >= 1, got %d", c.Registration.MaxIterations)
	}
	if c.Registration.InlierThreshold <= 0 {
		return fmt.Errorf("registration.inlier_threshold must be positive, got %g", c.Registration.InlierThreshold)
	}
	switch c.Stacking.Method {
	case "average", "median", "sigma", "min", "max", "winsorized", "weighted":
	default:
		return fmt.Errorf("stacking.method %q is not supported", c.Stacking.Method)
	}
	if c.Stacking.SigmaValue <= 0 {
		return fmt.Errorf("stacking.sigma_value must be positive, got %g", c.Stacking.SigmaValue)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Detection: Detection{
			SigmaThreshold:     5.0,
			MaxStars:           200,
			MinArea:            4,
			MaxArea:            500,
			BorderMargin:       10,
			MeshSize:           64,
			DeblendLevels:      16,
			DeblendMinContrast: 0.02,
		},
		Registration: Registration{
			Mode:            "translation",
			MaxIterations:   500,
			InlierThreshold: 2.0,
			SearchRadius:    20.0,
		},
		Quality: Quality{
			FilterFWHM:     4.0,
			MaxFWHM:        15.0,
			MaxEllipticity: 0.6,
		},
		Stacking: Stacking{
			Method:     "sigma",
			SigmaValue: 2.5,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "astrostack.db"),
		},
		Server: Server{
			Listen: ":8321",
		},
		Watch: Watch{
			DebounceMS: 1500,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
