// Package display turns a recognizer state into what the user sees.
package display

import (
	"fmt"
	"math"

	"islrecognizer/recognizer"
)

type Status string

const (
	StatusLoading           Status = "loading"
	StatusFailed            Status = "failed"
	StatusCameraUnavailable Status = "camera_unavailable"
	StatusWaiting           Status = "waiting"
	StatusDetected          Status = "detected"
)

// View is the rendered recognizer state.
type View struct {
	Status  Status `json:"status"`
	Label   string `json:"label,omitempty"`
	Percent int    `json:"percent,omitempty"`
	Message string `json:"message"`
}

// Render is a pure function of s. A load in progress wins over everything,
// then load and camera errors, then the published guess.
func Render(s recognizer.State) View {
	switch {
	case s.Loading:
		return View{Status: StatusLoading, Message: "Loading model..."}
	case s.LoadErr != nil:
		return View{Status: StatusFailed, Message: fmt.Sprintf("Failed to load model: %v", s.LoadErr)}
	case s.Phase == recognizer.PhaseIdle:
		return View{Status: StatusLoading, Message: "Loading model..."}
	case s.CameraErr != nil:
		return View{Status: StatusCameraUnavailable, Message: fmt.Sprintf("Camera unavailable: %v", s.CameraErr)}
	case s.Best != nil:
		return View{
			Status:  StatusDetected,
			Label:   s.Best.Label,
			Percent: Percent(s.Best.Probability),
			Message: "Detected: " + s.Best.Label,
		}
	default:
		return View{Status: StatusWaiting, Message: "Waiting for gesture..."}
	}
}

// Percent rounds a probability to a whole percentage.
func Percent(p float64) int {
	return int(math.Round(p * 100))
}

// String formats v as a single status line.
func (v View) String() string {
	if v.Status == StatusDetected {
		return fmt.Sprintf("%s (%d%%)", v.Message, v.Percent)
	}
	return v.Message
}
