package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
)

// RemoteClassifier posts each frame as JPEG to an inference endpoint.
type RemoteClassifier struct {
	labels   []string
	index    map[string]int
	endpoint string
	client   *http.Client
}

type remoteResponse struct {
	Predictions []Prediction `json:"predictions"`
	Error       string       `json:"error,omitempty"`
}

func NewRemoteClassifier(labels []string, endpoint string, client *http.Client) (*RemoteClassifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: remote model requires an endpoint", ErrMalformedModel)
	}
	if client == nil {
		client = http.DefaultClient
	}
	index := make(map[string]int, len(labels))
	for i, label := range labels {
		index[NormalizeLabel(label)] = i
	}
	return &RemoteClassifier{
		labels:   append([]string(nil), labels...),
		index:    index,
		endpoint: endpoint,
		client:   client,
	}, nil
}

func (c *RemoteClassifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Predict returns probabilities in metadata label order; labels the
// endpoint omits get probability 0.
func (c *RemoteClassifier) Predict(ctx context.Context, frame image.Image) ([]Prediction, error) {
	if frame == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("inference endpoint returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if payload.Error != "" {
			return nil, fmt.Errorf("inference endpoint error: %s", payload.Error)
		}
		return nil, fmt.Errorf("inference endpoint returned status %d", resp.StatusCode)
	}

	probs := make([]float64, len(c.labels))
	for _, p := range payload.Predictions {
		i, ok := c.index[NormalizeLabel(p.Label)]
		if !ok {
			return nil, fmt.Errorf("inference endpoint returned unknown label %q", p.Label)
		}
		probs[i] = p.Probability
	}
	return zipPredictions(c.labels, probs)
}
