package recognizer

import (
	"time"

	"gonum.org/v1/gonum/floats"

	"islrecognizer/ml"
)

// Phase is the prediction loop state.
type Phase string

const (
	// PhaseIdle has no classifier.
	PhaseIdle Phase = "idle"
	// PhaseReady has a classifier but no camera.
	PhaseReady Phase = "ready"
	// PhaseSampling has both and is the only phase that runs inference.
	PhaseSampling Phase = "sampling"
)

// Guess is a published prediction at or above the confidence threshold.
type Guess struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// State is a snapshot of the recognizer. Best is nil while there is no
// confident prediction.
type State struct {
	Phase       Phase         `json:"phase"`
	Loading     bool          `json:"loading"`
	LoadErr     error         `json:"-"`
	CameraErr   error         `json:"-"`
	Best        *Guess        `json:"best,omitempty"`
	Labels      []string      `json:"labels,omitempty"`
	ModelPath   string        `json:"model_path,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Ticks       uint64        `json:"ticks"`
	Inferences  uint64        `json:"inferences"`
	Failures    uint64        `json:"failures"`
	LastLatency time.Duration `json:"last_latency"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SelectBest returns the prediction with the highest probability. Ties go to
// the first one in order.
func SelectBest(preds []ml.Prediction) (ml.Prediction, bool) {
	if len(preds) == 0 {
		return ml.Prediction{}, false
	}
	probs := make([]float64, len(preds))
	for i, p := range preds {
		probs[i] = p.Probability
	}
	return preds[floats.MaxIdx(probs)], true
}

// Confident applies threshold to the best prediction of preds.
func Confident(preds []ml.Prediction, threshold float64) *Guess {
	best, ok := SelectBest(preds)
	if !ok || best.Probability < threshold {
		return nil
	}
	return &Guess{Label: best.Label, Probability: best.Probability}
}
