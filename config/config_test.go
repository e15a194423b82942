package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Recognizer.Threshold != 0.5 {
		t.Fatalf("expected threshold 0.5, got %v", cfg.Recognizer.Threshold)
	}
	if cfg.Recognizer.MinInterval != 150*time.Millisecond {
		t.Fatalf("expected min interval 150ms, got %v", cfg.Recognizer.MinInterval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
http:
  port: 9090
recognizer:
  threshold: 0.7
  min_interval: 200ms
camera:
  device: dir
  dir: ./frames
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Http.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Http.Port)
	}
	if cfg.Recognizer.Threshold != 0.7 {
		t.Errorf("threshold = %v, want 0.7", cfg.Recognizer.Threshold)
	}
	if cfg.Recognizer.MinInterval != 200*time.Millisecond {
		t.Errorf("min interval = %v, want 200ms", cfg.Recognizer.MinInterval)
	}
	if cfg.Recognizer.FrameInterval != time.Second/60 {
		t.Errorf("frame interval should keep its default, got %v", cfg.Recognizer.FrameInterval)
	}
	if cfg.Camera.Width != 224 {
		t.Errorf("camera width should keep its default, got %d", cfg.Camera.Width)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"threshold above one": func(c *Config) { c.Recognizer.Threshold = 1.5 },
		"negative interval":   func(c *Config) { c.Recognizer.MinInterval = -time.Second },
		"unknown device":      func(c *Config) { c.Camera.Device = "usb" },
		"dir without path":    func(c *Config) { c.Camera.Device = "dir" },
		"http without url":    func(c *Config) { c.Camera.Device = "http" },
		"bad log level":       func(c *Config) { c.Log.Level = "verbose" },
		"pass accuracy":       func(c *Config) { c.Tutorial.PassAccuracy = 101 },
		"attempt too long":    func(c *Config) { c.Http.Timeout = 4 * time.Second },
		"alert threshold":     func(c *Config) { c.Alerts.FailureThreshold = 0 },
		"alert level":         func(c *Config) { c.Alerts.MinLevel = "fatal" },
		"webhook scheme":      func(c *Config) { c.Alerts.Webhook = "ftp://hooks.local/alert" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestZeroThresholdAndIntervalAreValid(t *testing.T) {
	cfg, err := Parse([]byte("recognizer:\n  threshold: 0\n  min_interval: 0s\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Recognizer.Threshold != 0 || cfg.Recognizer.MinInterval != 0 {
		t.Errorf("zero recognizer settings were replaced: %+v", cfg.Recognizer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
