package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	TopologyFile = "model.json"
	MetadataFile = "metadata.json"

	maxModelFileSize = 64 << 20
)

// Loader fetches model.json and metadata.json from a base path and keeps
// the resulting classifiers in an LRU cache keyed by that path.
type Loader struct {
	client *http.Client
	cache  *lru.Cache[string, Classifier]
	mu     sync.Mutex
	logger *zap.Logger
}

func NewLoader(cacheSize int, timeout time.Duration, logger *zap.Logger) (*Loader, error) {
	if cacheSize <= 0 {
		cacheSize = 4
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cache, err := lru.New[string, Classifier](cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		client: &http.Client{Timeout: timeout},
		cache:  cache,
		logger: logger.Named("model_loader"),
	}, nil
}

// Load returns the classifier for basePath, fetching it on first use.
// basePath is an http(s) URL, a file:// URL or a local directory.
func (l *Loader) Load(ctx context.Context, basePath string) (Classifier, error) {
	key := CacheKey(basePath)
	if key == "" {
		return nil, fmt.Errorf("%w: empty model path", ErrFetch)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.cache.Get(key); ok {
		return c, nil
	}

	start := time.Now()
	topologyData, err := l.fetch(ctx, key, TopologyFile)
	if err != nil {
		return nil, err
	}
	metadataData, err := l.fetch(ctx, key, MetadataFile)
	if err != nil {
		return nil, err
	}
	topology, metadata, err := DecodeModel(topologyData, metadataData)
	if err != nil {
		return nil, err
	}
	classifier, err := Build(topology, metadata, l.client)
	if err != nil {
		return nil, err
	}

	l.cache.Add(key, classifier)
	l.logger.Info("model loaded",
		zap.String("path", key),
		zap.String("format", topology.Format),
		zap.Int("labels", len(metadata.Labels)),
		zap.Duration("elapsed", time.Since(start)))
	return classifier, nil
}

// Invalidate drops the cached classifier for basePath.
func (l *Loader) Invalidate(basePath string) {
	l.cache.Remove(CacheKey(basePath))
}

// CacheKey normalizes a base path so "x/" and "x" share a cache entry.
func CacheKey(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if IsRemotePath(basePath) {
		return strings.TrimRight(basePath, "/")
	}
	basePath = strings.TrimPrefix(basePath, "file://")
	if basePath == "" {
		return ""
	}
	return filepath.Clean(basePath)
}

func IsRemotePath(basePath string) bool {
	return strings.HasPrefix(basePath, "http://") || strings.HasPrefix(basePath, "https://")
}

func (l *Loader) fetch(ctx context.Context, base, name string) ([]byte, error) {
	if !IsRemotePath(base) {
		data, err := readLimited(filepath.Join(base, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFetch, name, err)
		}
		return data, nil
	}

	url := base + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetch, url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModelFileSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	return data, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxModelFileSize))
}

// DecodeModel parses and validates the two model files.
func DecodeModel(topologyData, metadataData []byte) (*Topology, *Metadata, error) {
	var topology Topology
	if err := json.Unmarshal(topologyData, &topology); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedModel, TopologyFile, err)
	}
	var metadata Metadata
	if err := json.Unmarshal(metadataData, &metadata); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedModel, MetadataFile, err)
	}

	if len(metadata.Labels) == 0 {
		return nil, nil, fmt.Errorf("%w: metadata has no labels", ErrMalformedModel)
	}
	seen := make(map[string]bool, len(metadata.Labels))
	for _, label := range metadata.Labels {
		key := NormalizeLabel(label)
		if key == "" {
			return nil, nil, fmt.Errorf("%w: empty label", ErrMalformedModel)
		}
		if seen[key] {
			return nil, nil, fmt.Errorf("%w: duplicate label %q", ErrMalformedModel, label)
		}
		seen[key] = true
	}

	if topology.Format != FormatRemote {
		if err := topology.Input.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedModel, err)
		}
	}
	return &topology, &metadata, nil
}

// Build creates the classifier described by a decoded model.
func Build(topology *Topology, metadata *Metadata, client *http.Client) (Classifier, error) {
	labels := metadata.Labels
	switch topology.Format {
	case FormatLinear:
		model, err := NewLinearModel(topology.Weights, topology.Bias)
		if err != nil {
			return nil, err
		}
		if model.Classes() != len(labels) {
			return nil, fmt.Errorf("%w: %d weight rows for %d labels", ErrMalformedModel, model.Classes(), len(labels))
		}
		if model.Dim() != topology.Input.Size() {
			return nil, fmt.Errorf("%w: weight width %d does not match input size %d", ErrMalformedModel, model.Dim(), topology.Input.Size())
		}
		return &imageClassifier{labels: labels, shape: topology.Input, model: model}, nil
	case FormatDecisionTree:
		tree, err := NewDecisionTreeFromNodes(topology.Tree, len(labels), topology.Input.Size())
		if err != nil {
			return nil, err
		}
		return &imageClassifier{labels: labels, shape: topology.Input, model: tree}, nil
	case FormatRemote:
		return NewRemoteClassifier(labels, topology.Endpoint, client)
	default:
		return nil, fmt.Errorf("%w: unsupported model format %q", ErrMalformedModel, topology.Format)
	}
}

// WriteModel stores a model in dir as model.json and metadata.json.
func WriteModel(dir string, topology Topology, metadata Metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	topologyData, err := json.Marshal(topology)
	if err != nil {
		return err
	}
	metadataData, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, TopologyFile), topologyData, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), metadataData, 0o644)
}
