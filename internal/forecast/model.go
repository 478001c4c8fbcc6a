// Package forecast predicts the air-quality vector a short horizon ahead
// from a sliding window of scored frames.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afroash/airguard/internal/history"
	"github.com/afroash/airguard/internal/models"
	"github.com/afroash/airguard/internal/monitor"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoModel is returned by Predict before any model has been trained or loaded
	ErrNoModel = errors.New("no trained model")
	// ErrRetrainInProgress is returned when a retrain is requested while one is running
	ErrRetrainInProgress = errors.New("retrain already in progress")
	// ErrNotEnoughRows is returned when the corpus is too small to fit
	ErrNotEnoughRows = errors.New("not enough training rows")
)

// Forecaster predicts a Vector from a full window and can be refit
type Forecaster interface {
	Predict(window []models.ScoredFrame) (models.Vector, error)
	Retrain(ctx context.Context, rows []models.ScoredFrame) (Report, error)
	Ready() bool
}

// Config holds model settings
type Config struct {
	Window       int
	Lambda       float64
	MinSamples   int
	HoldoutRatio float64
	Path         string // model file; empty disables persistence
}

// Report summarizes one retrain
type Report struct {
	Samples   int
	TrainSize int
	TestSize  int
	R2        float64
	R2Valid   bool
	TrainedAt time.Time
	Duration  time.Duration
	Persisted bool
}

// ModelStats counts model activity
type ModelStats struct {
	Predictions   int64
	Retrains      int64
	FailedRetrain int64
	LastTrainedAt time.Time
	LastR2        float64
}

// Model is a standardized multi-output ridge regression over the flattened
// window. The fitted state is swapped atomically so Predict never waits on
// a retrain.
type Model struct {
	config    Config
	state     atomic.Pointer[fitted]
	retrainMu sync.Mutex
	logger    zerolog.Logger

	predictions atomic.Int64
	statsMutex  sync.RWMutex
	stats       ModelStats
}

// fitted is the serialized model file
type fitted struct {
	Features  []string    `json:"features"`
	Window    int         `json:"window"`
	XMean     []float64   `json:"x_mean"`
	XScale    []float64   `json:"x_scale"`
	YMean     []float64   `json:"y_mean"`
	YScale    []float64   `json:"y_scale"`
	Weights   [][]float64 `json:"weights"` // inputs x outputs
	TrainedAt time.Time   `json:"trained_at"`
	R2        float64     `json:"r2"`
}

// NewModel creates a model and loads the model file if one exists
func NewModel(config Config, logger zerolog.Logger) (*Model, error) {
	if config.Window < 1 {
		return nil, fmt.Errorf("window must be positive, got %d", config.Window)
	}
	if config.Lambda <= 0 {
		config.Lambda = 1.0
	}
	if config.HoldoutRatio <= 0 || config.HoldoutRatio >= 1 {
		config.HoldoutRatio = 0.2
	}
	if config.MinSamples < 2 {
		config.MinSamples = 2
	}

	m := &Model{config: config, logger: logger}

	if config.Path != "" {
		f, err := loadFitted(config.Path, config.Window)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info().Str("path", config.Path).Msg("No model file, waiting for first training")
		case err != nil:
			return nil, err
		default:
			m.state.Store(f)
			m.stats.LastTrainedAt = f.TrainedAt
			m.stats.LastR2 = f.R2
			logger.Info().
				Str("path", config.Path).
				Time("trained_at", f.TrainedAt).
				Float64("r2", f.R2).
				Msg("Loaded forecast model")
		}
	}
	return m, nil
}

// Ready reports whether a fitted model is available
func (m *Model) Ready() bool {
	return m.state.Load() != nil
}

// Predict forecasts the vector Horizon frames past the newest frame of window
func (m *Model) Predict(window []models.ScoredFrame) (models.Vector, error) {
	f := m.state.Load()
	if f == nil {
		return models.Vector{}, ErrNoModel
	}
	if len(window) != f.Window {
		return models.Vector{}, fmt.Errorf("%w: window has %d of %d frames",
			history.ErrInsufficientHistory, len(window), f.Window)
	}

	m.predictions.Add(1)
	return models.VectorFromValues(f.predict(Flatten(window)))
}

// Retrain fits a new model on rows (oldest first) and swaps it in.
// Only one retrain runs at a time; a concurrent call returns ErrRetrainInProgress.
func (m *Model) Retrain(ctx context.Context, rows []models.ScoredFrame) (Report, error) {
	if !m.retrainMu.TryLock() {
		return Report{}, ErrRetrainInProgress
	}
	defer m.retrainMu.Unlock()

	start := time.Now()
	report, f, err := m.fit(ctx, rows)
	if err != nil {
		m.statsMutex.Lock()
		m.stats.FailedRetrain++
		m.statsMutex.Unlock()
		return report, err
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	m.state.Store(f)
	m.setTrained(f)
	report.Duration = time.Since(start)

	if m.config.Path != "" {
		if err := f.save(m.config.Path); err != nil {
			m.logger.Error().Err(err).Str("path", m.config.Path).Msg("Failed to save model")
		} else {
			report.Persisted = true
		}
	}

	m.logger.Info().
		Int("samples", report.Samples).
		Float64("r2", report.R2).
		Bool("r2_valid", report.R2Valid).
		Dur("took", report.Duration).
		Msg("Forecast model retrained")
	return report, nil
}

// Stats returns a copy of model counters
func (m *Model) Stats() ModelStats {
	m.statsMutex.RLock()
	defer m.statsMutex.RUnlock()
	s := m.stats
	s.Predictions = m.predictions.Load()
	return s
}

func (m *Model) setTrained(f *fitted) {
	m.statsMutex.Lock()
	defer m.statsMutex.Unlock()
	m.stats.Retrains++
	m.stats.LastTrainedAt = f.TrainedAt
	m.stats.LastR2 = f.R2
}

func (m *Model) fit(ctx context.Context, rows []models.ScoredFrame) (Report, *fitted, error) {
	xs, ys, err := trainingPairs(rows, m.config.Window)
	if err != nil {
		return Report{}, nil, err
	}
	report := Report{Samples: len(xs)}
	if len(xs) < m.config.MinSamples {
		return report, nil, fmt.Errorf("%w: %d samples from %d rows, need %d",
			ErrNotEnoughRows, len(xs), len(rows), m.config.MinSamples)
	}

	// chronological holdout: the newest samples are kept for scoring
	test := int(float64(len(xs)) * m.config.HoldoutRatio)
	if len(xs)-test < 2 {
		test = 0
	}
	trainX, trainY := xs[:len(xs)-test], ys[:len(ys)-test]
	testX, testY := xs[len(xs)-test:], ys[len(ys)-test:]
	report.TrainSize, report.TestSize = len(trainX), len(testX)

	f := &fitted{
		Features:  slices.Clone(FeatureNames),
		Window:    m.config.Window,
		TrainedAt: time.Now().UTC(),
	}
	f.XMean, f.XScale = columnStats(trainX)
	f.YMean, f.YScale = columnStats(trainY)

	if err := ctx.Err(); err != nil {
		return report, nil, err
	}

	weights, err := ridge(standardize(trainX, f.XMean, f.XScale), standardize(trainY, f.YMean, f.YScale), m.config.Lambda)
	if err != nil {
		return report, nil, fmt.Errorf("ridge solve failed: %w", err)
	}
	f.Weights = weights

	// score on the holdout, or on the training set when it is too small
	evalX, evalY := testX, testY
	if len(evalX) < 2 {
		evalX, evalY = trainX, trainY
	}
	preds := make([][]float64, len(evalX))
	for i, x := range evalX {
		preds[i] = f.predict(x)
	}
	report.R2, report.R2Valid = monitor.R2Rows(preds, evalY)
	f.R2 = report.R2
	report.TrainedAt = f.TrainedAt
	return report, f, nil
}

func (f *fitted) predict(x []float64) []float64 {
	outputs := len(f.YMean)
	out := make([]float64, outputs)
	for i, v := range x {
		z := (v - f.XMean[i]) / f.XScale[i]
		for j := 0; j < outputs; j++ {
			out[j] += z * f.Weights[i][j]
		}
	}
	for j := range out {
		out[j] = out[j]*f.YScale[j] + f.YMean[j]
	}
	return out
}

// ridge solves (XᵀX + λI)B = XᵀY for standardized X and Y
func ridge(x, y [][]float64, lambda float64) ([][]float64, error) {
	n, p, q := len(x), len(x[0]), len(y[0])
	xm := mat.NewDense(n, p, flatten(x))
	ym := mat.NewDense(n, q, flatten(y))

	var xtx mat.Dense
	xtx.Mul(xm.T(), xm)
	for i := 0; i < p; i++ {
		xtx.Set(i, i, xtx.At(i, i)+lambda)
	}
	var xty mat.Dense
	xty.Mul(xm.T(), ym)

	var b mat.Dense
	if err := b.Solve(&xtx, &xty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}

	weights := make([][]float64, p)
	for i := 0; i < p; i++ {
		weights[i] = mat.Row(nil, i, &b)
	}
	return weights, nil
}

func columnStats(rows [][]float64) (mean, scale []float64) {
	cols := len(rows[0])
	mean = make([]float64, cols)
	scale = make([]float64, cols)
	col := make([]float64, len(rows))
	for j := 0; j < cols; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		mean[j], scale[j] = stat.PopMeanStdDev(col, nil)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return mean, scale
}

func standardize(rows [][]float64, mean, scale []float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(r))
		for j, v := range r {
			out[i][j] = (v - mean[j]) / scale[j]
		}
	}
	return out
}

func flatten(rows [][]float64) []float64 {
	out := make([]float64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func loadFitted(path string, window int) (*fitted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fitted
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	if !slices.Equal(f.Features, FeatureNames) {
		return nil, fmt.Errorf("model %s feature list %v does not match %v", path, f.Features, FeatureNames)
	}
	if f.Window != window {
		return nil, fmt.Errorf("model %s window %d does not match configured %d", path, f.Window, window)
	}
	inputs := window * len(FeatureNames)
	if len(f.XMean) != inputs || len(f.XScale) != inputs || len(f.Weights) != inputs {
		return nil, fmt.Errorf("model %s has malformed input dimensions", path)
	}
	if len(f.YMean) != models.VectorSize || len(f.YScale) != models.VectorSize {
		return nil, fmt.Errorf("model %s has malformed output dimensions", path)
	}
	for _, w := range f.Weights {
		if len(w) != models.VectorSize {
			return nil, fmt.Errorf("model %s has malformed weights", path)
		}
	}
	return &f, nil
}

func (f *fitted) save(path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return os.Rename(tmp, path)
}
