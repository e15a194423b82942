package ml

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShape = InputShape{Width: 2, Height: 2, Channels: 1}

// blackWhiteModel separates dark frames ("dark") from bright ones ("light").
func blackWhiteModel(t *testing.T) (Topology, Metadata) {
	t.Helper()
	samples := []Sample{
		{Label: 0, Features: []float64{0, 0, 0, 0}},
		{Label: 1, Features: []float64{1, 1, 1, 1}},
	}
	model, err := TrainCentroid(samples, 2, 0.1)
	require.NoError(t, err)
	return model.Topology(testShape), Metadata{ModelName: "bw", Labels: []string{"dark", "light"}}
}

func TestLoaderLoadsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	topology, metadata := blackWhiteModel(t)
	require.NoError(t, WriteModel(dir, topology, metadata))

	loader, err := NewLoader(2, time.Second, nil)
	require.NoError(t, err)

	classifier, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"dark", "light"}, classifier.Labels())

	preds, err := classifier.Predict(context.Background(), uniformImage(8, 8, color.White))
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "light", preds[1].Label)
	assert.Greater(t, preds[1].Probability, 0.99)

	again, err := loader.Load(context.Background(), "file://"+dir+"/")
	require.NoError(t, err)
	assert.Same(t, classifier, again, "expected cached classifier for the same path")
}

func TestLoaderFetchesOverHTTPOnce(t *testing.T) {
	topology, metadata := blackWhiteModel(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/model/model.json":
			json.NewEncoder(w).Encode(topology)
		case "/model/metadata.json":
			json.NewEncoder(w).Encode(metadata)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	loader, err := NewLoader(2, time.Second, nil)
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), srv.URL+"/model")
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), srv.URL+"/model/")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "model files should be fetched once")

	loader.Invalidate(srv.URL + "/model")
	_, err = loader.Load(context.Background(), srv.URL+"/model")
	require.NoError(t, err)
	assert.Equal(t, int32(4), hits.Load())
}

func TestLoaderSurfacesFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	loader, err := NewLoader(2, time.Second, nil)
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), srv.URL+"/missing")
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)

	_, err = loader.Load(context.Background(), filepath.Join(t.TempDir(), "nothing"))
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)
}

func TestLoaderRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	loader, err := NewLoader(2, 10*time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = loader.Load(ctx, srv.URL)
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)
}

func TestLoaderRejectsMalformedFiles(t *testing.T) {
	topology, metadata := blackWhiteModel(t)
	cases := map[string]func(dir string){
		"bad json": func(dir string) {
			os.WriteFile(filepath.Join(dir, TopologyFile), []byte("{"), 0o644)
		},
		"no labels": func(dir string) {
			WriteModel(dir, topology, Metadata{})
		},
		"duplicate labels": func(dir string) {
			WriteModel(dir, topology, Metadata{Labels: []string{"A", "a"}})
		},
		"label count mismatch": func(dir string) {
			WriteModel(dir, topology, Metadata{Labels: []string{"dark", "light", "grey"}})
		},
		"unknown format": func(dir string) {
			bad := topology
			bad.Format = "onnx"
			WriteModel(dir, bad, metadata)
		},
		"huge input shape": func(dir string) {
			bad := topology
			bad.Format = FormatDecisionTree
			bad.Tree = []TreeNode{{IsLeaf: true, Distribution: []float64{1, 0}}}
			bad.Input = InputShape{Width: 2147483647, Height: 2147483647, Channels: 1}
			WriteModel(dir, bad, metadata)
		},
		"input over feature budget": func(dir string) {
			bad := topology
			bad.Input = InputShape{Width: MaxInputSide, Height: MaxInputSide, Channels: 3}
			WriteModel(dir, bad, metadata)
		},
		"leaf probability out of range": func(dir string) {
			bad := topology
			bad.Format = FormatDecisionTree
			bad.Tree = []TreeNode{{IsLeaf: true, Distribution: []float64{5, -3}}}
			WriteModel(dir, bad, metadata)
		},
		"bad input shape": func(dir string) {
			bad := topology
			bad.Input = InputShape{Width: 2, Height: 2, Channels: 4}
			WriteModel(dir, bad, metadata)
		},
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, WriteModel(dir, topology, metadata))
			write(dir)

			loader, err := NewLoader(2, time.Second, nil)
			require.NoError(t, err)
			_, err = loader.Load(context.Background(), dir)
			assert.True(t, errors.Is(err, ErrMalformedModel), "got %v", err)
		})
	}
}

func TestDecisionTreeModelRoundTrip(t *testing.T) {
	samples := []Sample{
		{Label: 0, Features: []float64{0, 0, 0, 0}},
		{Label: 0, Features: []float64{0.1, 0.1, 0.1, 0.1}},
		{Label: 1, Features: []float64{1, 1, 1, 1}},
		{Label: 1, Features: []float64{0.9, 0.9, 0.9, 0.9}},
	}
	tree, err := TrainTree(samples, 2, 3)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, WriteModel(dir, tree.Topology(testShape), Metadata{Labels: []string{"dark", "light"}}))

	loader, err := NewLoader(1, time.Second, nil)
	require.NoError(t, err)
	classifier, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)

	preds, err := classifier.Predict(context.Background(), uniformImage(4, 4, color.Black))
	require.NoError(t, err)
	assert.Equal(t, 1.0, preds[0].Probability)
}
