// Package recognizer runs the prediction loop: it samples the latest camera
// frame through the loaded classifier at a bounded rate and publishes the
// most probable label when it clears the confidence threshold.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"islrecognizer/camera"
	"islrecognizer/ml"
	"islrecognizer/timeutil"
)

var (
	ErrNoClassifier   = errors.New("no classifier loaded")
	ErrInferencePanic = errors.New("inference panicked")
)

// Config is used as given: a zero Threshold publishes every best guess and a
// zero MinInterval removes the interval floor. Only a non-positive
// FrameInterval falls back to the default.
type Config struct {
	Threshold     float64
	MinInterval   time.Duration
	FrameInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:     0.5,
		MinInterval:   150 * time.Millisecond,
		FrameInterval: time.Second / 60,
	}
}

// ModelLoader resolves a model base path to a classifier.
type ModelLoader interface {
	Load(ctx context.Context, basePath string) (ml.Classifier, error)
}

// Recognizer owns the classifier, the camera source and the sampling task.
// Control methods are serialized; State may be read at any time.
type Recognizer struct {
	cfg    Config
	loader ModelLoader
	clock  timeutil.Clock
	logger *zap.Logger

	// ctrl serializes LoadModel, AttachCamera, DetachCamera and Close.
	ctrl   sync.Mutex
	task   *Task
	closed bool

	// infer keeps inference calls strictly sequential.
	infer sync.Mutex

	mu         sync.Mutex
	classifier ml.Classifier
	source     *camera.Source
	lastCall   time.Time
	state      State
	observers  map[int]func(State)
	nextObs    int
}

func New(cfg Config, loader ModelLoader, clock timeutil.Clock, logger *zap.Logger) *Recognizer {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultConfig().FrameInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recognizer{
		cfg:       cfg,
		loader:    loader,
		clock:     clock,
		logger:    logger.Named("recognizer"),
		observers: make(map[int]func(State)),
	}
	r.state = State{Phase: PhaseIdle, UpdatedAt: clock.Now()}
	return r
}

func (r *Recognizer) Config() Config {
	return r.cfg
}

// State returns a snapshot of the current state.
func (r *Recognizer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recognizer) snapshotLocked() State {
	s := r.state
	if s.Best != nil {
		best := *s.Best
		s.Best = &best
	}
	s.Labels = append([]string(nil), s.Labels...)
	return s
}

// Subscribe registers fn to receive every state change. fn runs on the
// goroutine that made the change and must not block. The returned func
// removes the subscription.
func (r *Recognizer) Subscribe(fn func(State)) func() {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// update applies fn to the state under the lock and notifies observers
// with the result outside it.
func (r *Recognizer) update(fn func(s *State)) {
	r.mu.Lock()
	fn(&r.state)
	r.state.Phase = r.phaseLocked()
	r.state.UpdatedAt = r.clock.Now()
	snap := r.snapshotLocked()
	observers := make([]func(State), 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

func (r *Recognizer) phaseLocked() Phase {
	switch {
	case r.classifier == nil:
		return PhaseIdle
	case r.source == nil:
		return PhaseReady
	default:
		return PhaseSampling
	}
}

// LoadModel loads the classifier at basePath. Loading the path that is
// already loaded is a no-op. A failed load leaves the recognizer Idle.
func (r *Recognizer) LoadModel(ctx context.Context, basePath string) error {
	return r.load(ctx, basePath, false)
}

// Reload loads the current model path again, typically after its files
// changed.
func (r *Recognizer) Reload(ctx context.Context) error {
	r.mu.Lock()
	path := r.state.ModelPath
	r.mu.Unlock()
	if path == "" {
		return ErrNoClassifier
	}
	return r.load(ctx, path, true)
}

func (r *Recognizer) load(ctx context.Context, basePath string, force bool) error {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()
	if r.closed {
		return errors.New("recognizer closed")
	}
	if r.loader == nil {
		return errors.New("no model loader configured")
	}

	r.mu.Lock()
	same := r.classifier != nil && r.state.ModelPath == basePath
	r.mu.Unlock()
	if same && !force {
		return nil
	}

	r.stopTask()
	r.update(func(s *State) {
		r.classifier = nil
		s.Loading = true
		s.LoadErr = nil
		s.Best = nil
		s.Labels = nil
		s.ModelPath = basePath
	})

	classifier, err := r.loader.Load(ctx, basePath)
	if err != nil {
		r.logger.Error("model load failed", zap.String("path", basePath), zap.Error(err))
		r.update(func(s *State) {
			s.Loading = false
			s.LoadErr = err
		})
		return err
	}

	r.update(func(s *State) {
		r.classifier = classifier
		s.Loading = false
		s.Labels = classifier.Labels()
	})
	r.startTask()
	r.logger.Info("classifier ready", zap.String("path", basePath), zap.Int("labels", len(classifier.Labels())))
	return nil
}

// SwapClassifier replaces the classifier directly, stopping the sampling
// task of the previous one first.
func (r *Recognizer) SwapClassifier(classifier ml.Classifier, basePath string) {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()
	if r.closed {
		return
	}
	r.stopTask()
	r.update(func(s *State) {
		r.classifier = classifier
		s.Loading = false
		s.LoadErr = nil
		s.Best = nil
		s.Labels = nil
		s.ModelPath = basePath
		if classifier != nil {
			s.Labels = classifier.Labels()
		}
	})
	r.startTask()
}

// AttachCamera acquires device. On failure the error is recorded in the
// state and the recognizer stays without a frame source.
func (r *Recognizer) AttachCamera(ctx context.Context, device camera.Device, c camera.Constraints) error {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()
	if r.closed {
		return errors.New("recognizer closed")
	}
	r.detachLocked()

	src, err := camera.Acquire(ctx, device, c, r.logger)
	if err != nil {
		r.logger.Warn("camera unavailable", zap.Error(err))
		r.update(func(s *State) { s.CameraErr = err })
		return err
	}
	r.update(func(s *State) {
		r.source = src
		s.CameraErr = nil
		s.SessionID = uuid.NewString()
	})
	r.startTask()
	return nil
}

// DetachCamera stops sampling and releases the camera.
func (r *Recognizer) DetachCamera() {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()
	r.detachLocked()
}

func (r *Recognizer) detachLocked() {
	r.stopTask()
	r.mu.Lock()
	src := r.source
	r.mu.Unlock()
	if src == nil {
		return
	}
	src.Close()
	r.update(func(s *State) {
		r.source = nil
		s.Best = nil
		s.SessionID = ""
	})
}

// Close stops the sampling task and releases the camera together. It is
// idempotent.
func (r *Recognizer) Close() {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()
	if r.closed {
		return
	}
	r.detachLocked()
	r.closed = true
	r.update(func(s *State) {
		r.classifier = nil
		s.Best = nil
	})
}

// Run blocks until ctx is done and then closes the recognizer.
func (r *Recognizer) Run(ctx context.Context) {
	<-ctx.Done()
	r.Close()
}

// startTask starts sampling if both a classifier and a source are present.
// Callers hold ctrl.
func (r *Recognizer) startTask() {
	r.mu.Lock()
	sampling := r.phaseLocked() == PhaseSampling
	r.lastCall = time.Time{}
	r.mu.Unlock()
	if !sampling || r.task != nil {
		return
	}
	r.task = Every(context.Background(), r.clock, r.cfg.FrameInterval, r.tick)
}

// stopTask must not be called with mu held: it waits for an in-flight tick.
func (r *Recognizer) stopTask() {
	if r.task == nil {
		return
	}
	r.task.Stop()
	r.task = nil
}

func (r *Recognizer) tick(ctx context.Context) {
	defer r.countTick()

	r.mu.Lock()
	classifier, src := r.classifier, r.source
	if classifier == nil || src == nil {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	if !r.lastCall.IsZero() && now.Sub(r.lastCall) < r.cfg.MinInterval {
		r.mu.Unlock()
		return
	}
	frame, ok := src.Latest()
	if !ok {
		r.mu.Unlock()
		return
	}
	r.lastCall = now
	r.state.Inferences++
	r.mu.Unlock()

	preds, err := r.predict(ctx, classifier, frame.Image)
	latency := r.clock.Since(now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("inference failed", zap.Error(err))
		r.update(func(s *State) {
			s.Failures++
			s.Best = nil
			s.LastLatency = latency
		})
		return
	}

	if ctx.Err() != nil {
		return
	}
	best := Confident(preds, r.cfg.Threshold)
	r.update(func(s *State) {
		s.Best = best
		s.LastLatency = latency
	})
}

// countTick records a finished tick.
func (r *Recognizer) countTick() {
	r.mu.Lock()
	r.state.Ticks++
	r.mu.Unlock()
}

// predict turns a classifier panic into ErrInferencePanic so one bad frame
// counts as a failed inference.
func (r *Recognizer) predict(ctx context.Context, classifier ml.Classifier, img image.Image) (preds []ml.Prediction, err error) {
	r.infer.Lock()
	defer r.infer.Unlock()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("classifier panicked", zap.Any("panic", p), zap.Stack("stack"))
			preds, err = nil, fmt.Errorf("%w: %v", ErrInferencePanic, p)
		}
	}()
	return classifier.Predict(ctx, img)
}

// Classify runs one inference on img with the current classifier, outside
// the sampling loop, and returns all predictions with the thresholded best.
func (r *Recognizer) Classify(ctx context.Context, img image.Image) ([]ml.Prediction, *Guess, error) {
	r.mu.Lock()
	classifier := r.classifier
	r.mu.Unlock()
	if classifier == nil {
		return nil, nil, ErrNoClassifier
	}
	preds, err := r.predict(ctx, classifier, img)
	if err != nil {
		return nil, nil, fmt.Errorf("classify: %w", err)
	}
	return preds, Confident(preds, r.cfg.Threshold), nil
}
