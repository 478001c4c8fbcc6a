// Package quality turns one sensor frame into a bounded composite score.
package quality

import (
	"math"

	"github.com/afroash/airguard/internal/models"
)

// Penalty terms are individually clamped to [0, 100] before weighting.
const (
	gasSpan = 65535.0

	mq4Floor   = 20000.0
	mq7Floor   = 10000.0
	mq135Floor = 0.0

	pm25Baseline = 30.0
	tvocDivisor  = 3.0

	eco2Outdoor = 400.0
	eco2Divisor = 15.0

	odorStep = 30.0

	sensorWeight = 0.15
	odorWeight   = 0.10

	maxScore = 100
)

// Penalties holds the seven clamped penalty terms for a frame
type Penalties struct {
	MQ4   float64
	MQ7   float64
	MQ135 float64
	PM25  float64
	TVOC  float64
	ECO2  float64
	Odor  float64
}

// Weighted returns the weighted sum of all penalties
func (p Penalties) Weighted() float64 {
	return sensorWeight*(p.MQ4+p.MQ7+p.MQ135+p.PM25+p.TVOC+p.ECO2) + odorWeight*p.Odor
}

// Breakdown computes the individual penalty terms for a frame
func Breakdown(f models.SensorFrame) Penalties {
	return Penalties{
		MQ4:   clampPenalty((finite(f.MQ4) - mq4Floor) / gasSpan * 100),
		MQ7:   clampPenalty((finite(f.MQ7) - mq7Floor) / gasSpan * 100),
		MQ135: clampPenalty((finite(f.MQ135) - mq135Floor) / gasSpan * 100),
		PM25:  clampPenalty(finite(f.PM25) - pm25Baseline),
		TVOC:  clampPenalty(finite(f.TVOC) / tvocDivisor),
		ECO2:  clampPenalty((finite(f.ECO2) - eco2Outdoor) / eco2Divisor),
		Odor:  clampPenalty(float64(f.OdorLevel) * odorStep),
	}
}

// Score returns the composite air-quality score in [0, 100].
// It is a pure function of the frame.
func Score(f models.SensorFrame) int {
	raw := maxScore - Breakdown(f).Weighted()
	score := int(math.RoundToEven(raw))
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// ScoreFrame pairs a frame with its score
func ScoreFrame(f models.SensorFrame) models.ScoredFrame {
	return models.ScoredFrame{Frame: f, Score: Score(f)}
}

func clampPenalty(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
