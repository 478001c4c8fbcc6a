// Package odor classifies gas samples into odor intensity levels.
// The classifier is optional: when no model file exists the Absent
// classifier reports level 0 for every sample.
package odor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/afroash/airguard/internal/models"
)

// FeatureNames is the order of values in a model's centroids
var FeatureNames = []string{"tvoc", "eco2", "pm25", "mq4", "mq7", "mq135"}

// Classifier maps a gas sample to an odor level in 0..2
type Classifier interface {
	Classify(sample models.GasSample) int
	Available() bool
}

// Absent is the classifier used when no trained model exists
var Absent Classifier = absent{}

type absent struct{}

func (absent) Classify(models.GasSample) int { return models.OdorNone }
func (absent) Available() bool              { return false }

// Centroid is a standardized nearest-centroid classifier
type Centroid struct {
	Features  []string          `json:"features"`
	Mean      []float64         `json:"mean"`
	Scale     []float64         `json:"scale"`
	Centroids map[int][]float64 `json:"centroids"`
}

// Sample is one labeled training observation
type Sample struct {
	Gas   models.GasSample
	Level int
}

// Load reads a classifier from path. A missing file yields Absent and no error.
func Load(path string) (Classifier, error) {
	if path == "" {
		return Absent, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Absent, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read odor model: %w", err)
	}

	var c Centroid
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse odor model: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid odor model %s: %w", path, err)
	}
	return &c, nil
}

// Fit builds a classifier from labeled samples
func Fit(samples []Sample) (*Centroid, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}

	n := len(FeatureNames)
	mean := make([]float64, n)
	scale := make([]float64, n)
	col := make([]float64, len(samples))
	for j := 0; j < n; j++ {
		for i, s := range samples {
			col[i] = s.Gas.Values()[j]
		}
		mean[j], scale[j] = stat.PopMeanStdDev(col, nil)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	c := &Centroid{
		Features:  slices.Clone(FeatureNames),
		Mean:      mean,
		Scale:     scale,
		Centroids: make(map[int][]float64),
	}

	counts := make(map[int]int)
	for _, s := range samples {
		level := s.Level
		if level < models.OdorNone || level > models.OdorStrong {
			return nil, fmt.Errorf("sample level %d out of range", level)
		}
		sum, ok := c.Centroids[level]
		if !ok {
			sum = make([]float64, n)
			c.Centroids[level] = sum
		}
		for i, v := range c.standardize(s.Gas) {
			sum[i] += v
		}
		counts[level]++
	}
	for level, sum := range c.Centroids {
		for i := range sum {
			sum[i] /= float64(counts[level])
		}
	}
	return c, nil
}

// Classify returns the level of the nearest centroid
func (c *Centroid) Classify(sample models.GasSample) int {
	x := c.standardize(sample)

	best, bestDist := models.OdorNone, math.Inf(1)
	for _, level := range c.levels() {
		var dist float64
		for i, v := range c.Centroids[level] {
			d := x[i] - v
			dist += d * d
		}
		if dist < bestDist {
			best, bestDist = level, dist
		}
	}
	return best
}

// Accuracy returns the share of samples classified as labeled
func (c *Centroid) Accuracy(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	hits := 0
	for _, s := range samples {
		if c.Classify(s.Gas) == s.Level {
			hits++
		}
	}
	return float64(hits) / float64(len(samples))
}

// Available always reports true for a loaded model
func (c *Centroid) Available() bool { return true }

// Save writes the classifier as JSON, creating the directory if needed
func (c *Centroid) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write odor model: %w", err)
	}
	return nil
}

func (c *Centroid) standardize(sample models.GasSample) []float64 {
	values := sample.Values()
	for i := range values {
		v := values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		values[i] = (v - c.Mean[i]) / c.Scale[i]
	}
	return values
}

// levels returns centroid keys in ascending order so ties resolve to the lower level
func (c *Centroid) levels() []int {
	levels := make([]int, 0, len(c.Centroids))
	for l := range c.Centroids {
		levels = append(levels, l)
	}
	slices.Sort(levels)
	return levels
}

func (c *Centroid) validate() error {
	if !slices.Equal(c.Features, FeatureNames) {
		return fmt.Errorf("feature list %v does not match %v", c.Features, FeatureNames)
	}
	n := len(FeatureNames)
	if len(c.Mean) != n || len(c.Scale) != n {
		return fmt.Errorf("mean/scale must have %d values", n)
	}
	for _, s := range c.Scale {
		if s == 0 {
			return errors.New("zero scale")
		}
	}
	if len(c.Centroids) == 0 {
		return errors.New("no centroids")
	}
	for level, centroid := range c.Centroids {
		if level < models.OdorNone || level > models.OdorStrong {
			return fmt.Errorf("centroid level %d out of range", level)
		}
		if len(centroid) != n {
			return fmt.Errorf("centroid %d must have %d values", level, n)
		}
	}
	return nil
}
