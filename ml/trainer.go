package ml

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// TrainCentroid fits a nearest-centroid classifier and expresses it as a
// linear model: -|x-c|²/T = (2c·x - |c|²)/T - |x|²/T, and the last term is
// shared by all classes so softmax ignores it.
func TrainCentroid(samples []Sample, numClasses int, temperature float64) (*LinearModel, error) {
	if numClasses <= 0 {
		return nil, errors.New("numClasses must be positive")
	}
	if temperature <= 0 {
		temperature = 1
	}
	byClass := make([][][]float64, numClasses)
	for _, s := range samples {
		if s.Label < 0 || s.Label >= numClasses {
			return nil, fmt.Errorf("label %d out of range", s.Label)
		}
		byClass[s.Label] = append(byClass[s.Label], s.Features)
	}

	weights := make([][]float64, numClasses)
	bias := make([]float64, numClasses)
	for class, vectors := range byClass {
		if len(vectors) == 0 {
			return nil, fmt.Errorf("class %d has no training samples", class)
		}
		centroid, err := Mean(vectors)
		if err != nil {
			return nil, err
		}
		row := make([]float64, len(centroid))
		for i, c := range centroid {
			row[i] = 2 * c / temperature
		}
		weights[class] = row
		bias[class] = -SquaredNorm(centroid) / temperature
	}
	return NewLinearModel(weights, bias)
}

func TrainTree(samples []Sample, numClasses, maxDepth int) (*DecisionTree, error) {
	features, labels, err := splitXY(samples)
	if err != nil {
		return nil, err
	}
	tree := NewDecisionTree(maxDepth)
	if err := tree.Train(features, labels, numClasses); err != nil {
		return nil, err
	}
	return tree, nil
}

// Evaluate returns the share of samples whose argmax matches the label.
func Evaluate(model VectorModel, samples []Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, errors.New("no samples")
	}
	correct := 0
	for _, s := range samples {
		probs, err := model.PredictVector(s.Features)
		if err != nil {
			return 0, err
		}
		if len(probs) > 0 && floats.MaxIdx(probs) == s.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(samples)), nil
}
