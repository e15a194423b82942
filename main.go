package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"islrecognizer/camera"
	"islrecognizer/config"
	"islrecognizer/db"
	qhttp "islrecognizer/http"
	"islrecognizer/logger"
	"islrecognizer/ml"
	"islrecognizer/monitoring"
	"islrecognizer/recognizer"
	"islrecognizer/tutorial"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load config; a missing file runs on defaults
	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 2. Initialize database
	if err := db.InitDB(cfg.Database.Path); err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	log.Info("database initialized", zap.String("path", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Recognizer and its observers
	loader, err := ml.NewLoader(cfg.Model.CacheSize, cfg.Model.FetchTimeout, log)
	if err != nil {
		log.Fatal("failed to create model loader", zap.Error(err))
	}
	rec := recognizer.New(recognizer.Config{
		Threshold:     cfg.Recognizer.Threshold,
		MinInterval:   cfg.Recognizer.MinInterval,
		FrameInterval: cfg.Recognizer.FrameInterval,
	}, loader, nil, log)

	metrics := monitoring.NewMetricsCollector()
	recognition := monitoring.NewRecognitionMetrics(metrics)
	monitor := monitoring.NewRealtimeMonitor(log)
	if err := monitor.Start(30 * time.Second); err != nil {
		log.Fatal("failed to start realtime monitor", zap.Error(err))
	}
	alerts := monitoring.NewAlertSystem(monitoring.AlertConfig{
		FailureThreshold: cfg.Alerts.FailureThreshold,
		Webhook:          cfg.Alerts.Webhook,
		MinLevel:         monitoring.AlertLevel(cfg.Alerts.MinLevel),
		Cooldown:         cfg.Alerts.Cooldown,
	}, monitor, log)
	rec.Subscribe(recognition.Observe)
	rec.Subscribe(monitor.Observe)
	rec.Subscribe(alerts.Observe)
	rec.Subscribe(db.NewRecorder(log).Observe)
	replay := monitoring.NewReplayEngine(monitoring.StoredDetections{}, monitor, nil, log)
	go metrics.CollectSystemMetrics(ctx, 15*time.Second)

	catalog, err := tutorial.LoadCatalog(cfg.Tutorial.Catalog)
	if err != nil {
		log.Fatal("failed to load tutorial catalog", zap.Error(err))
	}
	coach := tutorial.NewCoach(catalog, rec, nil, tutorial.CoachConfig{
		Countdown:     cfg.Tutorial.Countdown,
		CaptureWindow: cfg.Tutorial.CaptureWindow,
		PassAccuracy:  cfg.Tutorial.PassAccuracy,
	}, recognition, log)

	// 4. Model, hot reload and camera
	if err := rec.LoadModel(ctx, cfg.Model.BasePath); err != nil {
		log.Warn("initial model load failed", zap.String("path", cfg.Model.BasePath), zap.Error(err))
	}
	if cfg.Model.Watch && !ml.IsRemotePath(cfg.Model.BasePath) {
		watcher, err := ml.NewWatcher(loader, func(basePath string) {
			if err := rec.Reload(ctx); err != nil {
				log.Warn("model reload failed", zap.String("path", basePath), zap.Error(err))
			}
		}, log)
		if err != nil {
			log.Fatal("failed to create model watcher", zap.Error(err))
		}
		defer watcher.Close()
		if err := watcher.Add(cfg.Model.BasePath); err != nil {
			log.Warn("cannot watch model", zap.String("path", cfg.Model.BasePath), zap.Error(err))
		}
		go watcher.Run(ctx)
	}

	dev, err := camera.NewDevice(cfg.Camera.Device, cfg.Camera.Dir, cfg.Camera.URL)
	if err != nil {
		log.Fatal("invalid camera device", zap.Error(err))
	}
	push, _ := dev.(*camera.PushDevice)
	constraints := camera.Constraints{
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FacingMode: cfg.Camera.FacingMode,
		FrameRate:  cfg.Camera.FrameRate,
	}
	if cfg.Camera.AutoStart {
		if err := rec.AttachCamera(ctx, dev, constraints); err != nil {
			log.Warn("camera auto start failed", zap.Error(err))
		}
	}

	// 5. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		AllowedOrigins: cfg.Http.AllowedOrigins,
	}, &qhttp.Services{
		Recognizer:  rec,
		Device:      dev,
		Push:        push,
		Constraints: constraints,
		Coach:       coach,
		Metrics:     metrics,
		Recognition: recognition,
		Monitor:     monitor,
		Alerts:      alerts,
		Replay:      replay,
		Logger:      log,
	}, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// 6. Graceful shutdown
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}
	replay.Close()
	rec.Close()
	if err := monitor.Stop(); err != nil {
		log.Warn("monitor stop failed", zap.Error(err))
	}
	log.Info("exiting")
}
