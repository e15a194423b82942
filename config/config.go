// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete service configuration.
type Config struct {
	Http       HttpConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Model      ModelConfig      `yaml:"model"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Camera     CameraConfig     `yaml:"camera"`
	Tutorial   TutorialConfig   `yaml:"tutorial"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

type HttpConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls the zap logger. File is optional; when set, logs are
// also written there as JSON and rotated by size.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ModelConfig struct {
	BasePath     string        `yaml:"base_path"`
	Watch        bool          `yaml:"watch"`
	CacheSize    int           `yaml:"cache_size"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// RecognizerConfig holds the prediction loop tuning. Threshold and
// MinInterval default to 0.5 and 150ms.
type RecognizerConfig struct {
	Threshold     float64       `yaml:"threshold"`
	MinInterval   time.Duration `yaml:"min_interval"`
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// CameraConfig selects the capture device. Device is one of "push", "dir"
// or "http".
type CameraConfig struct {
	Device     string  `yaml:"device"`
	Dir        string  `yaml:"dir"`
	URL        string  `yaml:"url"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	FacingMode string  `yaml:"facing_mode"`
	FrameRate  float64 `yaml:"frame_rate"`
	AutoStart  bool    `yaml:"auto_start"`
}

type TutorialConfig struct {
	Catalog       string        `yaml:"catalog"`
	Countdown     time.Duration `yaml:"countdown"`
	CaptureWindow time.Duration `yaml:"capture_window"`
	PassAccuracy  int           `yaml:"pass_accuracy"`
}

// AlertsConfig controls recognizer health alerts. Webhook is optional;
// alerts at or above MinLevel are posted to it at most once per Cooldown.
type AlertsConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Webhook          string        `yaml:"webhook"`
	MinLevel         string        `yaml:"min_level"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Http: HttpConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{Path: "islrecognizer.db"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Model: ModelConfig{
			BasePath:     "model/level-1/alphabets",
			CacheSize:    4,
			FetchTimeout: 15 * time.Second,
		},
		Recognizer: RecognizerConfig{
			Threshold:     0.5,
			MinInterval:   150 * time.Millisecond,
			FrameInterval: time.Second / 60,
		},
		Camera: CameraConfig{
			Device:     "push",
			Width:      224,
			Height:     224,
			FacingMode: "user",
			FrameRate:  30,
		},
		Tutorial: TutorialConfig{
			Countdown:     3 * time.Second,
			CaptureWindow: 2 * time.Second,
			PassAccuracy:  80,
		},
		Alerts: AlertsConfig{
			FailureThreshold: 5,
			MinLevel:         "error",
			Cooldown:         5 * time.Minute,
		},
	}
}

// Load reads and parses a YAML configuration file. Fields absent from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
