package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device")
	// ErrEnded is returned by Capture.Read once the stream has no more frames.
	ErrEnded = errors.New("camera stream ended")
)

// Constraints are the capture hints passed to a device. Devices may ignore
// any of them except FrameRate, which paces Read.
type Constraints struct {
	Width      int
	Height     int
	FacingMode string
	FrameRate  float64
}

func (c Constraints) frameInterval() time.Duration {
	if c.FrameRate <= 0 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) / c.FrameRate)
}

// Frame is one decoded video frame.
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// Track is a hardware track backing a capture. Stop releases it.
type Track interface {
	ID() string
	Stop()
}

// Capture is an open video-only stream.
type Capture interface {
	Tracks() []Track
	// Read blocks until the next frame is available.
	Read(ctx context.Context) (image.Image, error)
}

// Device opens captures. Open returns ErrPermissionDenied or ErrNoDevice
// (possibly wrapped) when access cannot be granted.
type Device interface {
	Open(ctx context.Context, c Constraints) (Capture, error)
}

// Source owns an open capture and keeps its most recent frame. Only the
// Source starts and stops the underlying tracks; consumers read frames
// through Latest.
type Source struct {
	capture Capture
	tracks  []Track
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	latest  *Frame
	seq     uint64
	lastErr error
}

// Acquire opens device and starts a producer goroutine that keeps the
// latest frame. The tracks are stopped on every failure path after Open
// succeeds, and by Close otherwise.
func Acquire(ctx context.Context, device Device, c Constraints, logger *zap.Logger) (*Source, error) {
	if device == nil {
		return nil, ErrNoDevice
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	capture, err := device.Open(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	tracks := capture.Tracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("open camera: %w: no video track", ErrNoDevice)
	}
	if err := ctx.Err(); err != nil {
		stopTracks(tracks)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Source{
		capture: capture,
		tracks:  tracks,
		logger:  logger.Named("camera"),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.produce(runCtx, c.frameInterval())

	s.logger.Info("camera started", zap.Int("tracks", len(tracks)))
	return s, nil
}

func (s *Source) produce(ctx context.Context, retry time.Duration) {
	defer close(s.done)
	for {
		img, err := s.capture.Read(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrEnded) {
			s.setErr(err)
			s.logger.Info("camera stream ended")
			return
		}
		if err != nil {
			s.setErr(err)
			s.logger.Warn("frame read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			continue
		}
		s.publish(img)
	}
}

func (s *Source) publish(img image.Image) {
	s.mu.Lock()
	s.seq++
	s.latest = &Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Latest returns the most recent frame, if any has arrived yet.
func (s *Source) Latest() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Frame{}, false
	}
	return *s.latest, true
}

// Err returns the last read error, cleared by the next good frame.
func (s *Source) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Done is closed when the producer goroutine exits.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Close stops the producer and every track. Safe to call more than once.
func (s *Source) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		stopTracks(s.tracks)
		s.logger.Info("camera stopped", zap.Int("tracks", len(s.tracks)))
	})
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
