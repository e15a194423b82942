package ml

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

type Sample struct {
	Label    int
	Features []float64
}

// Dataset is a labelled set of feature vectors. Labels are indexed by
// Sample.Label.
type Dataset struct {
	Labels  []string
	Shape   InputShape
	Samples []Sample
}

// LoadDataset reads <dir>/<label>/*.{png,jpg,jpeg}. Label directories are
// sorted by name so the label order is stable between runs.
func LoadDataset(dir string, shape InputShape) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			labels = append(labels, entry.Name())
		}
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no label directories in %s", dir)
	}
	sort.Strings(labels)

	ds := &Dataset{Labels: labels, Shape: shape}
	for idx, label := range labels {
		files, err := imageFiles(filepath.Join(dir, label))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("label %q has no images", label)
		}
		for _, path := range files {
			img, err := DecodeImageFile(path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			features, err := ExtractFeatures(img, shape)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			ds.Samples = append(ds.Samples, Sample{Label: idx, Features: features})
		}
	}
	return ds, nil
}

// DecodeImage decodes a PNG, JPEG, WebP or BMP image.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func DecodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := DecodeImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// IsImageFile reports whether path has a decodable image extension.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".webp", ".bmp":
		return true
	}
	return false
}

func imageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && IsImageFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// SplitDataset shuffles samples with seed and splits off testRatio of them.
func SplitDataset(samples []Sample, testRatio float64, seed int64) (train, test []Sample) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(samples))

	split := int(math.Round(float64(len(samples)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			train = append(train, samples[idx])
		} else {
			test = append(test, samples[idx])
		}
	}
	return train, test
}

func splitXY(samples []Sample) ([][]float64, []int, error) {
	if len(samples) == 0 {
		return nil, nil, errors.New("no samples")
	}
	features := make([][]float64, len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		features[i] = s.Features
		labels[i] = s.Label
	}
	return features, labels, nil
}
