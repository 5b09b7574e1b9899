package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("ASTROSTACK_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with missing file should fall back to defaults: %v", err)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("parallel jobs %d, want default %d", cfg.Processing.ParallelJobs, defaultParallel)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadAppliesFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"stacking": {"method": "median", "sigma_value": 3.0}, "processing": {"parallel_jobs": 8}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASTROSTACK_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Stacking.Method != "median" || cfg.Processing.ParallelJobs != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// untouched sections keep their defaults
	if cfg.Registration.Mode != "translation" {
		t.Fatalf("registration default lost: %q", cfg.Registration.Mode)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero parallel jobs", func(c *Config) { c.Processing.ParallelJobs = 0 }},
		{"negative sigma threshold", func(c *Config) { c.Detection.SigmaThreshold = -1 }},
		{"inverted area bounds", func(c *Config) { c.Detection.MinArea = 100; c.Detection.MaxArea = 10 }},
		{"unknown registration mode", func(c *Config) { c.Registration.Mode = "sideways" }},
		{"zero iterations", func(c *Config) { c.Registration.MaxIterations = 0 }},
		{"unknown stacking method", func(c *Config) { c.Stacking.Method = "mystery" }},
		{"zero sigma value", func(c *Config) { c.Stacking.SigmaValue = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
