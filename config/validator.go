package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg.Http.Port <= 0 || cfg.Http.Port > 65535 {
		return fmt.Errorf("http.port must be in 1..65535, got %d", cfg.Http.Port)
	}
	if cfg.Http.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", cfg.Log.Level)
	}

	if cfg.Model.CacheSize <= 0 {
		cfg.Model.CacheSize = 4
	}
	if cfg.Model.FetchTimeout <= 0 {
		return fmt.Errorf("model.fetch_timeout must be > 0")
	}

	r := cfg.Recognizer
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("recognizer.threshold must be in [0,1], got %v", r.Threshold)
	}
	if r.MinInterval < 0 {
		return fmt.Errorf("recognizer.min_interval must be >= 0")
	}
	if r.FrameInterval <= 0 {
		return fmt.Errorf("recognizer.frame_interval must be > 0")
	}

	c := cfg.Camera
	switch c.Device {
	case "push":
	case "dir":
		if c.Dir == "" {
			return fmt.Errorf("camera.dir is required for the dir device")
		}
	case "http":
		if c.URL == "" {
			return fmt.Errorf("camera.url is required for the http device")
		}
	default:
		return fmt.Errorf("camera.device must be one of push|dir|http, got %q", c.Device)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera width and height must be > 0")
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("camera.frame_rate must be > 0")
	}

	t := cfg.Tutorial
	if t.Countdown < 0 || t.CaptureWindow <= 0 {
		return fmt.Errorf("tutorial countdown must be >= 0 and capture_window > 0")
	}
	if t.PassAccuracy < 0 || t.PassAccuracy > 100 {
		return fmt.Errorf("tutorial.pass_accuracy must be in [0,100], got %d", t.PassAccuracy)
	}
	// a practice attempt is served within one request
	if t.Countdown+t.CaptureWindow >= cfg.Http.Timeout {
		return fmt.Errorf("http.timeout must exceed tutorial countdown plus capture_window")
	}

	a := cfg.Alerts
	if a.FailureThreshold <= 0 {
		return fmt.Errorf("alerts.failure_threshold must be > 0")
	}
	switch a.MinLevel {
	case "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("alerts.min_level must be one of info|warning|error|critical, got %q", a.MinLevel)
	}
	if a.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must be >= 0")
	}
	if a.Webhook != "" {
		u, err := url.Parse(a.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("alerts.webhook must be an http(s) URL, got %q", a.Webhook)
		}
	}
	return nil
}
