package ml

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	ErrFetch          = errors.New("model fetch failed")
	ErrMalformedModel = errors.New("malformed model")
)

// Prediction pairs a label from the model's closed label set with its
// probability.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Classifier maps an image frame to a probability for every label, in the
// order of Labels().
type Classifier interface {
	Labels() []string
	Predict(ctx context.Context, frame image.Image) ([]Prediction, error)
}

// VectorModel is a model operating on extracted feature vectors.
type VectorModel interface {
	PredictVector(features []float64) ([]float64, error)
	Topology(shape InputShape) Topology
}

// Metadata mirrors metadata.json.
type Metadata struct {
	ModelName string   `json:"modelName"`
	Labels    []string `json:"labels"`
	ImageSize int      `json:"imageSize,omitempty"`
	TMVersion string   `json:"tmVersion,omitempty"`
	TimeStamp string   `json:"timeStamp,omitempty"`
}

type InputShape struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

// Input shapes are capped so a model file cannot request huge frame buffers.
const (
	MaxInputSide     = 1024
	MaxInputFeatures = 1 << 20
)

func (s InputShape) Size() int {
	return s.Width * s.Height * s.Channels
}

// Validate checks the shape against the input caps. Sides are bounded before
// Size is computed, so the product cannot overflow.
func (s InputShape) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("input shape %dx%d must be positive", s.Width, s.Height)
	}
	if s.Width > MaxInputSide || s.Height > MaxInputSide {
		return fmt.Errorf("input shape %dx%d exceeds %d pixels per side", s.Width, s.Height, MaxInputSide)
	}
	if s.Channels != 1 && s.Channels != 3 {
		return fmt.Errorf("input channels must be 1 or 3, got %d", s.Channels)
	}
	if s.Size() > MaxInputFeatures {
		return fmt.Errorf("input shape %dx%dx%d exceeds %d features", s.Width, s.Height, s.Channels, MaxInputFeatures)
	}
	return nil
}

// Topology mirrors model.json. Which fields are used depends on Format.
type Topology struct {
	Format   string      `json:"format"`
	Input    InputShape  `json:"input"`
	Weights  [][]float64 `json:"weights,omitempty"`
	Bias     []float64   `json:"bias,omitempty"`
	Tree     []TreeNode  `json:"tree,omitempty"`
	Endpoint string      `json:"endpoint,omitempty"`
}

const (
	FormatLinear       = "linear"
	FormatDecisionTree = "decision_tree"
	FormatRemote       = "remote"
)

// imageClassifier adapts a VectorModel to frames.
type imageClassifier struct {
	labels []string
	shape  InputShape
	model  VectorModel
}

func (c *imageClassifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

func (c *imageClassifier) Predict(ctx context.Context, frame image.Image) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	features, err := ExtractFeatures(frame, c.shape)
	if err != nil {
		return nil, err
	}
	probs, err := c.model.PredictVector(features)
	if err != nil {
		return nil, err
	}
	return zipPredictions(c.labels, probs)
}

func zipPredictions(labels []string, probs []float64) ([]Prediction, error) {
	if len(probs) != len(labels) {
		return nil, fmt.Errorf("model returned %d probabilities for %d labels", len(probs), len(labels))
	}
	out := make([]Prediction, len(labels))
	for i, label := range labels {
		if p := probs[i]; math.IsNaN(p) || p < 0 || p > 1 {
			return nil, fmt.Errorf("probability %v for %q outside [0,1]", p, label)
		}
		out[i] = Prediction{Label: label, Probability: probs[i]}
	}
	return out, nil
}
