package db

import (
	"sync"

	"go.uber.org/zap"

	"islrecognizer/recognizer"
)

// Recorder is a recognizer observer that persists camera sessions and every
// change of the published label. Repeated ticks with the same label are not
// stored.
type Recorder struct {
	logger *zap.Logger

	mu        sync.Mutex
	session   string
	lastLabel string
	// counters at session start and at the last observed state
	baseInf, baseFail uint64
	lastInf, lastFail uint64
}

func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger.Named("recorder")}
}

func (r *Recorder) Observe(s recognizer.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.SessionID != r.session {
		if r.session != "" {
			if err := EndSession(r.session, s.UpdatedAt, r.lastInf-r.baseInf, r.lastFail-r.baseFail); err != nil {
				r.logger.Warn("end session failed", zap.String("session", r.session), zap.Error(err))
			}
		}
		if s.SessionID != "" {
			if err := SaveSession(s.SessionID, s.ModelPath, s.UpdatedAt); err != nil {
				r.logger.Warn("save session failed", zap.String("session", s.SessionID), zap.Error(err))
			}
		}
		r.session = s.SessionID
		r.lastLabel = ""
		r.baseInf, r.baseFail = s.Inferences, s.Failures
	}
	r.lastInf, r.lastFail = s.Inferences, s.Failures

	label := ""
	if s.Best != nil {
		label = s.Best.Label
	}
	if label != "" && label != r.lastLabel && r.session != "" {
		err := SaveDetection(Detection{
			SessionID:   r.session,
			Label:       label,
			Probability: s.Best.Probability,
			DetectedAt:  s.UpdatedAt,
		})
		if err != nil {
			r.logger.Warn("save detection failed", zap.String("label", label), zap.Error(err))
		}
	}
	r.lastLabel = label
}
