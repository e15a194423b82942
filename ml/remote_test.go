package ml

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteClassifierReordersToLabelOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(remoteResponse{Predictions: []Prediction{
			{Label: "b", Probability: 0.7},
			{Label: "A", Probability: 0.2},
		}})
	}))
	defer srv.Close()

	c, err := NewRemoteClassifier([]string{"A", "B", "C"}, srv.URL, srv.Client())
	require.NoError(t, err)

	preds, err := c.Predict(context.Background(), uniformImage(4, 4, color.White))
	require.NoError(t, err)
	assert.Equal(t, []Prediction{
		{Label: "A", Probability: 0.2},
		{Label: "B", Probability: 0.7},
		{Label: "C", Probability: 0},
	}, preds)
}

func TestRemoteClassifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/range":
			json.NewEncoder(w).Encode(remoteResponse{Predictions: []Prediction{{Label: "A", Probability: 5}}})
		case "/unknown":
			json.NewEncoder(w).Encode(remoteResponse{Predictions: []Prediction{{Label: "Z", Probability: 1}}})
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(remoteResponse{Error: "warming up"})
		}
	}))
	defer srv.Close()

	c, err := NewRemoteClassifier([]string{"A"}, srv.URL+"/unknown", srv.Client())
	require.NoError(t, err)
	_, err = c.Predict(context.Background(), uniformImage(2, 2, color.Black))
	assert.ErrorContains(t, err, "unknown label")

	c, err = NewRemoteClassifier([]string{"A"}, srv.URL+"/range", srv.Client())
	require.NoError(t, err)
	_, err = c.Predict(context.Background(), uniformImage(2, 2, color.Black))
	assert.ErrorContains(t, err, "outside [0,1]")

	c, err = NewRemoteClassifier([]string{"A"}, srv.URL+"/busy", srv.Client())
	require.NoError(t, err)
	_, err = c.Predict(context.Background(), uniformImage(2, 2, color.Black))
	assert.ErrorContains(t, err, "warming up")

	_, err = NewRemoteClassifier([]string{"A"}, "", nil)
	assert.ErrorIs(t, err, ErrMalformedModel)
}
