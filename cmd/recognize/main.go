// Command recognize runs the prediction loop against a directory of frames
// or a snapshot URL and prints every change of the rendered status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"islrecognizer/camera"
	"islrecognizer/config"
	"islrecognizer/display"
	"islrecognizer/logger"
	"islrecognizer/ml"
	"islrecognizer/recognizer"
)

func main() {
	configPath := flag.String("config", "", "optional config file; flags override it")
	modelPath := flag.String("model", "", "model base path or URL (default from config)")
	device := flag.String("device", "dir", "frame source: dir or http")
	dir := flag.String("dir", "", "directory of frames for the dir device")
	url := flag.String("url", "", "snapshot URL for the http device")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	threshold := flag.Float64("threshold", 0, "confidence threshold (default from config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *modelPath != "" {
		cfg.Model.BasePath = *modelPath
	}
	if *threshold > 0 {
		cfg.Recognizer.Threshold = *threshold
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	dev, err := camera.NewDevice(*device, *dir, *url)
	if err != nil {
		log.Fatal("invalid device", zap.Error(err))
	}
	loader, err := ml.NewLoader(cfg.Model.CacheSize, cfg.Model.FetchTimeout, log)
	if err != nil {
		log.Fatal("failed to create model loader", zap.Error(err))
	}

	rec := recognizer.New(recognizer.Config{
		Threshold:     cfg.Recognizer.Threshold,
		MinInterval:   cfg.Recognizer.MinInterval,
		FrameInterval: cfg.Recognizer.FrameInterval,
	}, loader, nil, log)
	defer rec.Close()

	var mu sync.Mutex
	var last display.View
	rec.Subscribe(func(s recognizer.State) {
		view := display.Render(s)
		mu.Lock()
		defer mu.Unlock()
		if view != last {
			last = view
			fmt.Printf("%s  %s\n", s.UpdatedAt.Format("15:04:05.000"), view)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	started := time.Now()
	if err := rec.LoadModel(ctx, cfg.Model.BasePath); err != nil {
		log.Error("model unavailable", zap.String("path", cfg.Model.BasePath), zap.Error(err))
		return
	}
	constraints := camera.Constraints{
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FacingMode: cfg.Camera.FacingMode,
		FrameRate:  cfg.Camera.FrameRate,
	}
	if err := rec.AttachCamera(ctx, dev, constraints); err != nil {
		log.Error("camera unavailable", zap.Error(err))
		return
	}

	<-ctx.Done()
	s := rec.State()
	log.Info("stopped",
		zap.Uint64("inferences", s.Inferences),
		zap.Uint64("failures", s.Failures),
		zap.Duration("last_latency", s.LastLatency),
		zap.Duration("ran", time.Since(started)))
}
