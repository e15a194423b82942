package ml

import (
	"errors"
	"math"
	"testing"
)

func TestDecisionTreeTrainPredict(t *testing.T) {
	features := [][]float64{
		{0.1, 0.2},
		{0.2, 0.1},
		{0.9, 0.8},
		{0.8, 0.9},
	}
	labels := []int{0, 0, 2, 2}

	model := NewDecisionTree(2)
	if err := model.Train(features, labels, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	probs, err := model.PredictVector([]float64{0.15, 0.15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(probs) != 3 {
		t.Fatalf("expected 3 probabilities, got %d", len(probs))
	}
	if probs[0] != 1 {
		t.Fatalf("expected class 0 with probability 1, got %v", probs)
	}
}

func TestDecisionTreeNestedChildIndexes(t *testing.T) {
	features := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}, {6}, {7}}
	labels := []int{0, 0, 1, 1, 2, 2, 3, 3}

	model := NewDecisionTree(4)
	if err := model.Train(features, labels, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, f := range features {
		probs, err := model.PredictVector(f)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if probs[labels[i]] != 1 {
			t.Fatalf("sample %d: expected class %d, got %v", i, labels[i], probs)
		}
	}

	// the serialized form must survive validation
	if _, err := NewDecisionTreeFromNodes(model.nodes, 4, 1); err != nil {
		t.Fatalf("trained tree failed validation: %v", err)
	}
}

func TestDecisionTreeFromNodesRejectsBadTree(t *testing.T) {
	nodes := []TreeNode{
		{FeatureIdx: 0, LeftChild: 1, RightChild: 0},
		{IsLeaf: true, Distribution: []float64{1, 0}},
	}
	_, err := NewDecisionTreeFromNodes(nodes, 2, 1)
	if !errors.Is(err, ErrMalformedModel) {
		t.Fatalf("expected ErrMalformedModel, got %v", err)
	}

	leafOnly := []TreeNode{{IsLeaf: true, Distribution: []float64{1}}}
	if _, err := NewDecisionTreeFromNodes(leafOnly, 2, 1); !errors.Is(err, ErrMalformedModel) {
		t.Fatalf("expected ErrMalformedModel for short distribution, got %v", err)
	}

	badLeaves := map[string][]float64{
		"out of range": {5, -3},
		"nan":          {math.NaN(), 1},
		"not summing":  {0.25, 0.25},
	}
	for name, dist := range badLeaves {
		leaf := []TreeNode{{IsLeaf: true, Distribution: dist}}
		if _, err := NewDecisionTreeFromNodes(leaf, 2, 1); !errors.Is(err, ErrMalformedModel) {
			t.Errorf("%s: expected ErrMalformedModel, got %v", name, err)
		}
	}

	ok := []TreeNode{{IsLeaf: true, Distribution: []float64{1.0 / 3, 2.0 / 3}}}
	if _, err := NewDecisionTreeFromNodes(ok, 2, 1); err != nil {
		t.Fatalf("valid leaf rejected: %v", err)
	}
}

func TestDecisionTreeUntrained(t *testing.T) {
	if _, err := NewDecisionTree(3).PredictVector([]float64{1}); err == nil {
		t.Fatal("expected error for untrained tree")
	}
}
