package monitoring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"islrecognizer/db"
	"islrecognizer/display"
	"islrecognizer/timeutil"
)

var (
	ErrReplayNotFound = errors.New("replay not found")
	ErrNoDetections   = errors.New("session has no detections")
)

// ReplaySession replays the detections of a recorded session onto the
// prediction topic, keeping their original spacing scaled by Speed.
type ReplaySession struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Speed     float64       `json:"speed"`
	Status    ReplayStatus  `json:"status"`
	Position  int           `json:"position"`
	Total     int           `json:"total"`
	Progress  float64       `json:"progress"`
	Current   *db.Detection `json:"current,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Events    []ReplayEvent `json:"events"`
}

type ReplayStatus string

const (
	ReplayPlaying   ReplayStatus = "playing"
	ReplayPaused    ReplayStatus = "paused"
	ReplayStopped   ReplayStatus = "stopped"
	ReplayCompleted ReplayStatus = "completed"
)

type ReplayEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}

// ReplayDataProvider returns the detections of a session, oldest first.
type ReplayDataProvider interface {
	FetchDetections(sessionID string) ([]db.Detection, error)
}

// StoredDetections reads detections from the database.
type StoredDetections struct {
	Limit int
}

func (s StoredDetections) FetchDetections(sessionID string) ([]db.Detection, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 10000
	}
	detections, err := db.QueryDetections(sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(detections)-1; i < j; i, j = i+1, j-1 {
		detections[i], detections[j] = detections[j], detections[i]
	}
	return detections, nil
}

// Gaps longer than this are shortened so idle stretches do not stall a
// replay.
const maxReplayGap = 5 * time.Second

const maxReplayEvents = 100

type replayControl struct {
	stop chan struct{}
	wake chan struct{}
}

type ReplayEngine struct {
	provider ReplayDataProvider
	monitor  *RealtimeMonitor
	clock    timeutil.Clock
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*ReplaySession
	controls map[string]*replayControl
}

func NewReplayEngine(provider ReplayDataProvider, monitor *RealtimeMonitor, clock timeutil.Clock, logger *zap.Logger) *ReplayEngine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayEngine{
		provider: provider,
		monitor:  monitor,
		clock:    clock,
		logger:   logger.Named("replay"),
		sessions: make(map[string]*ReplaySession),
		controls: make(map[string]*replayControl),
	}
}

func validSpeed(speed float64) error {
	if speed <= 0 || speed > 100 {
		return fmt.Errorf("invalid replay speed %.2f", speed)
	}
	return nil
}

// StartSession begins replaying sessionID and returns a snapshot of the new
// replay.
func (re *ReplayEngine) StartSession(sessionID string, speed float64) (ReplaySession, error) {
	if err := validSpeed(speed); err != nil {
		return ReplaySession{}, err
	}
	detections, err := re.provider.FetchDetections(sessionID)
	if err != nil {
		return ReplaySession{}, fmt.Errorf("fetch detections: %w", err)
	}
	if len(detections) == 0 {
		return ReplaySession{}, ErrNoDetections
	}

	session := &ReplaySession{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Speed:     speed,
		Status:    ReplayPlaying,
		Total:     len(detections),
		StartedAt: re.clock.Now(),
		Events:    make([]ReplayEvent, 0),
	}
	ctl := &replayControl{stop: make(chan struct{}), wake: make(chan struct{}, 1)}

	re.mu.Lock()
	re.sessions[session.ID] = session
	re.controls[session.ID] = ctl
	snapshot := session.snapshot()
	re.mu.Unlock()

	re.logger.Info("replay started",
		zap.String("replay", session.ID),
		zap.String("session", sessionID),
		zap.Int("detections", len(detections)),
		zap.Float64("speed", speed))
	go re.runReplay(session, ctl, detections)
	return snapshot, nil
}

func (re *ReplayEngine) runReplay(session *ReplaySession, ctl *replayControl, detections []db.Detection) {
	for i, d := range detections {
		if i > 0 {
			gap := d.DetectedAt.Sub(detections[i-1].DetectedAt)
			if gap > maxReplayGap {
				gap = maxReplayGap
			}
			if !re.wait(session, ctl, gap) {
				return
			}
		}

		re.mu.Lock()
		current := d
		session.Current = &current
		session.Position = i + 1
		session.Progress = float64(session.Position) / float64(session.Total) * 100
		re.mu.Unlock()
		re.publish(session.ID, d)
	}

	re.mu.Lock()
	if session.Status != ReplayStopped {
		session.Status = ReplayCompleted
		session.addEvent(re.clock.Now(), "complete", "replay complete")
	}
	re.mu.Unlock()
}

// wait sleeps for the scaled gap and then blocks while the replay is
// paused. It reports false once the replay is stopped.
func (re *ReplayEngine) wait(session *ReplaySession, ctl *replayControl, gap time.Duration) bool {
	re.mu.RLock()
	speed := session.Speed
	re.mu.RUnlock()

	if delay := time.Duration(float64(gap) / speed); delay > 0 {
		select {
		case <-re.clock.After(delay):
		case <-ctl.stop:
			return false
		}
	}
	for {
		re.mu.RLock()
		paused := session.Status == ReplayPaused
		re.mu.RUnlock()
		if !paused {
			break
		}
		select {
		case <-ctl.wake:
		case <-ctl.stop:
			return false
		}
	}
	select {
	case <-ctl.stop:
		return false
	default:
		return true
	}
}

func (re *ReplayEngine) publish(replayID string, d db.Detection) {
	if re.monitor == nil {
		return
	}
	err := re.monitor.SendPrediction(PredictionMessage{
		SessionID:   d.SessionID,
		Replay:      replayID,
		Label:       d.Label,
		Probability: d.Probability,
		Percent:     display.Percent(d.Probability),
		Confident:   true,
		Timestamp:   d.DetectedAt,
	})
	if err != nil {
		re.logger.Debug("replay message not pushed", zap.Error(err))
	}
}

func (re *ReplayEngine) lookup(replayID string) (*ReplaySession, *replayControl, error) {
	session, ok := re.sessions[replayID]
	if !ok {
		return nil, nil, ErrReplayNotFound
	}
	return session, re.controls[replayID], nil
}

func (re *ReplayEngine) PauseSession(replayID string) error {
	re.mu.Lock()
	defer re.mu.Unlock()
	session, _, err := re.lookup(replayID)
	if err != nil {
		return err
	}
	if session.Status != ReplayPlaying {
		return fmt.Errorf("replay is %s, not playing", session.Status)
	}
	session.Status = ReplayPaused
	session.addEvent(re.clock.Now(), "pause", "replay paused")
	return nil
}

func (re *ReplayEngine) ResumeSession(replayID string) error {
	re.mu.Lock()
	defer re.mu.Unlock()
	session, ctl, err := re.lookup(replayID)
	if err != nil {
		return err
	}
	if session.Status != ReplayPaused {
		return fmt.Errorf("replay is %s, not paused", session.Status)
	}
	session.Status = ReplayPlaying
	session.addEvent(re.clock.Now(), "resume", "replay resumed")
	select {
	case ctl.wake <- struct{}{}:
	default:
	}
	return nil
}

func (re *ReplayEngine) StopSession(replayID string) error {
	re.mu.Lock()
	defer re.mu.Unlock()
	session, ctl, err := re.lookup(replayID)
	if err != nil {
		return err
	}
	if session.Status == ReplayStopped || session.Status == ReplayCompleted {
		return nil
	}
	session.Status = ReplayStopped
	session.addEvent(re.clock.Now(), "stop", "replay stopped")
	close(ctl.stop)
	return nil
}

// SetSpeed takes effect from the next gap.
func (re *ReplayEngine) SetSpeed(replayID string, speed float64) error {
	if err := validSpeed(speed); err != nil {
		return err
	}
	re.mu.Lock()
	defer re.mu.Unlock()
	session, _, err := re.lookup(replayID)
	if err != nil {
		return err
	}
	session.Speed = speed
	session.addEvent(re.clock.Now(), "speed", fmt.Sprintf("speed set to %.1fx", speed))
	return nil
}

func (re *ReplayEngine) GetSession(replayID string) (ReplaySession, error) {
	re.mu.RLock()
	defer re.mu.RUnlock()
	session, _, err := re.lookup(replayID)
	if err != nil {
		return ReplaySession{}, err
	}
	return session.snapshot(), nil
}

func (re *ReplayEngine) GetAllSessions() []ReplaySession {
	re.mu.RLock()
	defer re.mu.RUnlock()
	out := make([]ReplaySession, 0, len(re.sessions))
	for _, s := range re.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// DeleteSession stops the replay if it is still running and forgets it.
func (re *ReplayEngine) DeleteSession(replayID string) error {
	if err := re.StopSession(replayID); err != nil {
		return err
	}
	re.mu.Lock()
	delete(re.sessions, replayID)
	delete(re.controls, replayID)
	re.mu.Unlock()
	return nil
}

// Close stops every running replay.
func (re *ReplayEngine) Close() {
	re.mu.Lock()
	defer re.mu.Unlock()
	for id, s := range re.sessions {
		if s.Status == ReplayPlaying || s.Status == ReplayPaused {
			s.Status = ReplayStopped
			close(re.controls[id].stop)
		}
	}
}

func (s *ReplaySession) addEvent(at time.Time, kind, message string) {
	s.Events = append(s.Events, ReplayEvent{Timestamp: at, Type: kind, Message: message})
	if len(s.Events) > maxReplayEvents {
		s.Events = s.Events[len(s.Events)-maxReplayEvents:]
	}
}

func (s *ReplaySession) snapshot() ReplaySession {
	out := *s
	out.Events = append([]ReplayEvent(nil), s.Events...)
	if s.Current != nil {
		current := *s.Current
		out.Current = &current
	}
	return out
}
