package ml

import (
	"fmt"
)

// LinearModel scores each class as softmax(W·x + b).
type LinearModel struct {
	weights [][]float64
	bias    []float64
}

func NewLinearModel(weights [][]float64, bias []float64) (*LinearModel, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: linear model has no weights", ErrMalformedModel)
	}
	if len(bias) != len(weights) {
		return nil, fmt.Errorf("%w: %d bias terms for %d classes", ErrMalformedModel, len(bias), len(weights))
	}
	dim := len(weights[0])
	for i, row := range weights {
		if len(row) != dim || dim == 0 {
			return nil, fmt.Errorf("%w: weight row %d has %d values, want %d", ErrMalformedModel, i, len(row), dim)
		}
	}
	return &LinearModel{weights: weights, bias: bias}, nil
}

func (m *LinearModel) Classes() int {
	return len(m.weights)
}

func (m *LinearModel) Dim() int {
	return len(m.weights[0])
}

func (m *LinearModel) PredictVector(features []float64) ([]float64, error) {
	logits := make([]float64, len(m.weights))
	for i, row := range m.weights {
		v, err := Dot(row, features)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", i, err)
		}
		logits[i] = v + m.bias[i]
	}
	return Softmax(logits), nil
}

func (m *LinearModel) Topology(shape InputShape) Topology {
	return Topology{
		Format:  FormatLinear,
		Input:   shape,
		Weights: m.weights,
		Bias:    m.bias,
	}
}
