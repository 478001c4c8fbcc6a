// Package monitor tracks forecast accuracy over a rolling window of
// (predicted, realized) pairs and decides when the forecaster should be refit.
package monitor

import (
	"sync"

	"github.com/afroash/airguard/internal/models"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// Status is the outcome of a retrain check
type Status string

const (
	StatusNotDue       Status = "not-due"
	StatusInsufficient Status = "insufficient-data"
	StatusDegenerate   Status = "degenerate"
	StatusOK           Status = "ok"
	StatusRetrain      Status = "retrain"
)

// Check is the result of ShouldRetrain
type Check struct {
	Status  Status
	R2      float64
	Pairs   int
	Retrain bool
}

// Config holds monitor settings
type Config struct {
	RollingPairs int     // R: pairs kept
	CheckEvery   int     // K: cycles between checks
	Threshold    float64 // retrain when R² falls below this
}

// Monitor keeps the rolling pair lists and the cycle counter.
// Predicted and realized always have the same length.
type Monitor struct {
	config    Config
	predicted []models.Vector
	realized  []models.Vector
	cycles    int
	mutex     sync.Mutex
	logger    zerolog.Logger
	stats     Stats
}

// Stats counts check outcomes
type Stats struct {
	Checks   int64
	Retrains int64
	Skipped  int64
	LastR2   float64
}

// New creates a monitor
func New(config Config, logger zerolog.Logger) *Monitor {
	if config.RollingPairs < 2 {
		config.RollingPairs = 2
	}
	if config.CheckEvery < 1 {
		config.CheckEvery = 1
	}
	return &Monitor{
		config:    config,
		predicted: make([]models.Vector, 0, config.RollingPairs),
		realized:  make([]models.Vector, 0, config.RollingPairs),
		logger:    logger,
	}
}

// RecordPair stores one forecast with the value it was judged against and
// counts one cycle toward the next check.
func (m *Monitor) RecordPair(predicted, realized models.Vector) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.predicted) >= m.config.RollingPairs {
		m.predicted = m.predicted[1:]
		m.realized = m.realized[1:]
	}
	m.predicted = append(m.predicted, predicted)
	m.realized = append(m.realized, realized)
	m.cycles++
}

// ShouldRetrain runs a check once every K recorded cycles. The cycle counter
// resets after every check; the pair lists are kept.
func (m *Monitor) ShouldRetrain() Check {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pairs := len(m.predicted)
	if m.cycles < m.config.CheckEvery {
		return Check{Status: StatusNotDue, Pairs: pairs}
	}
	m.cycles = 0
	m.stats.Checks++

	if pairs < 2 {
		m.stats.Skipped++
		m.logger.Debug().Int("pairs", pairs).Msg("Not enough forecast pairs for accuracy check")
		return Check{Status: StatusInsufficient, Pairs: pairs}
	}

	r2, ok := R2(m.predicted, m.realized)
	if !ok {
		m.stats.Skipped++
		m.logger.Warn().Int("pairs", pairs).Msg("Realized values have no variance, skipping accuracy check")
		return Check{Status: StatusDegenerate, Pairs: pairs}
	}
	m.stats.LastR2 = r2

	if r2 < m.config.Threshold {
		m.stats.Retrains++
		m.logger.Warn().
			Float64("r2", r2).
			Float64("threshold", m.config.Threshold).
			Msg("Forecast accuracy below threshold")
		return Check{Status: StatusRetrain, R2: r2, Pairs: pairs, Retrain: true}
	}

	m.logger.Info().Float64("r2", r2).Int("pairs", pairs).Msg("Forecast accuracy ok")
	return Check{Status: StatusOK, R2: r2, Pairs: pairs}
}

// Pairs returns copies of the rolling lists, oldest first
func (m *Monitor) Pairs() (predicted, realized []models.Vector) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	predicted = append([]models.Vector(nil), m.predicted...)
	realized = append([]models.Vector(nil), m.realized...)
	return predicted, realized
}

// Stats returns a copy of the check counters
func (m *Monitor) Stats() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stats
}

// R2 returns the coefficient of determination averaged uniformly over the
// vector outputs. Outputs whose realized values have zero variance are left
// out; ok is false when every output is degenerate or there are fewer than
// two pairs.
func R2(predicted, realized []models.Vector) (float64, bool) {
	n := min(len(predicted), len(realized))
	if n < 2 {
		return 0, false
	}

	pred := make([][]float64, n)
	obs := make([][]float64, n)
	for i := 0; i < n; i++ {
		pred[i] = predicted[i].Values()
		obs[i] = realized[i].Values()
	}
	return R2Rows(pred, obs)
}

// R2Rows is R2 over raw row-major output matrices
func R2Rows(predicted, realized [][]float64) (float64, bool) {
	n := min(len(predicted), len(realized))
	if n < 2 {
		return 0, false
	}

	outputs := len(realized[0])
	var sum float64
	var used int
	estimates := make([]float64, n)
	values := make([]float64, n)
	for j := 0; j < outputs; j++ {
		for i := 0; i < n; i++ {
			estimates[i] = predicted[i][j]
			values[i] = realized[i][j]
		}
		if stat.Variance(values, nil) == 0 {
			continue
		}
		sum += stat.RSquaredFrom(estimates, values, nil)
		used++
	}
	if used == 0 {
		return 0, false
	}
	return sum / float64(used), true
}
