package tutorial

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"islrecognizer/db"
	"islrecognizer/display"
	"islrecognizer/ml"
	"islrecognizer/recognizer"
	"islrecognizer/timeutil"
)

var (
	ErrNotSampling       = errors.New("camera and model must both be active to practice")
	ErrAttemptInProgress = errors.New("a practice attempt is already running")
)

// StateSource is the part of the recognizer the coach watches.
type StateSource interface {
	State() recognizer.State
	Subscribe(fn func(recognizer.State)) func()
}

// AttemptRecorder counts finished attempts.
type AttemptRecorder interface {
	RecordAttempt(passed bool)
}

type CoachConfig struct {
	Countdown     time.Duration
	CaptureWindow time.Duration
	PassAccuracy  int
}

func DefaultCoachConfig() CoachConfig {
	return CoachConfig{Countdown: 3 * time.Second, CaptureWindow: 2 * time.Second, PassAccuracy: 80}
}

// Result is the outcome of one practice attempt. Accuracy is the best
// percentage at which the item's label was detected during the capture
// window, zero if it never was.
type Result struct {
	ItemID     string    `json:"item_id"`
	Label      string    `json:"label"`
	Level      string    `json:"level"`
	Accuracy   int       `json:"accuracy"`
	Passed     bool      `json:"passed"`
	LastSeen   string    `json:"last_seen,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Coach runs practice attempts one at a time.
type Coach struct {
	catalog  *Catalog
	source   StateSource
	clock    timeutil.Clock
	cfg      CoachConfig
	recorder AttemptRecorder
	logger   *zap.Logger

	mu   sync.Mutex
	busy bool
}

func NewCoach(catalog *Catalog, source StateSource, clock timeutil.Clock, cfg CoachConfig, recorder AttemptRecorder, logger *zap.Logger) *Coach {
	def := DefaultCoachConfig()
	if cfg.Countdown < 0 {
		cfg.Countdown = 0
	}
	if cfg.CaptureWindow <= 0 {
		cfg.CaptureWindow = def.CaptureWindow
	}
	if cfg.PassAccuracy <= 0 {
		cfg.PassAccuracy = def.PassAccuracy
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coach{
		catalog:  catalog,
		source:   source,
		clock:    clock,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.Named("coach"),
	}
}

func (c *Coach) Catalog() *Catalog {
	return c.catalog
}

// Attempt waits out the countdown, then watches the published predictions
// for the capture window. A pass is stored as completed progress.
func (c *Coach) Attempt(ctx context.Context, itemID string) (Result, error) {
	item, ok := c.catalog.Item(itemID)
	if !ok {
		return Result{}, ErrUnknownItem
	}
	if c.source.State().Phase != recognizer.PhaseSampling {
		return Result{}, ErrNotSampling
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Result{}, ErrAttemptInProgress
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	res := Result{ItemID: item.ID, Label: item.Label, Level: item.Level, StartedAt: c.clock.Now()}
	if err := c.wait(ctx, c.cfg.Countdown); err != nil {
		return res, err
	}

	var mu sync.Mutex
	observe := func(s recognizer.State) {
		if s.Best == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		res.LastSeen = s.Best.Label
		if ml.SameLabel(s.Best.Label, item.Label) {
			if pct := display.Percent(s.Best.Probability); pct > res.Accuracy {
				res.Accuracy = pct
			}
		}
	}
	cancel := c.source.Subscribe(observe)
	observe(c.source.State())
	err := c.wait(ctx, c.cfg.CaptureWindow)
	cancel()
	if err != nil {
		return res, err
	}

	mu.Lock()
	defer mu.Unlock()
	res.FinishedAt = c.clock.Now()
	res.Passed = res.Accuracy >= c.cfg.PassAccuracy
	if c.recorder != nil {
		c.recorder.RecordAttempt(res.Passed)
	}
	c.logger.Info("practice attempt",
		zap.String("item", item.ID),
		zap.Int("accuracy", res.Accuracy),
		zap.Bool("passed", res.Passed))

	if res.Passed {
		if err := db.MarkCompleted(item.ID, item.Level, res.Accuracy, res.FinishedAt); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Coach) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// Progress returns the completion of level from the stored progress.
func (c *Coach) Progress(level string) (LevelProgress, error) {
	rows, err := db.CompletedItems(level)
	if err != nil {
		return LevelProgress{}, err
	}
	return c.catalog.Progress(level, rows)
}
