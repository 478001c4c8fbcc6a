package models

import (
	"fmt"
	"time"
)

// VectorSize is the number of outputs in a forecast vector
const VectorSize = 5

// Vector is a forecast or realized value vector. Field order is fixed:
// TVOC, ECO2, PM25, AirQuality (sensor index, 1-5), Score (composite 0-100).
type Vector struct {
	TVOC       float64 `json:"tvoc"`
	ECO2       float64 `json:"eco2"`
	PM25       float64 `json:"pm25"`
	AirQuality float64 `json:"air_quality"`
	Score      float64 `json:"score"`
}

// Values returns the vector as a slice in its fixed order
func (v Vector) Values() []float64 {
	return []float64{v.TVOC, v.ECO2, v.PM25, v.AirQuality, v.Score}
}

// VectorFromValues builds a Vector from a slice in the fixed order
func VectorFromValues(values []float64) (Vector, error) {
	if len(values) != VectorSize {
		return Vector{}, fmt.Errorf("vector needs %d values, got %d", VectorSize, len(values))
	}
	return Vector{
		TVOC:       values[0],
		ECO2:       values[1],
		PM25:       values[2],
		AirQuality: values[3],
		Score:      values[4],
	}, nil
}

// RealizedVector extracts the observed values of a scored frame
func RealizedVector(sf ScoredFrame) Vector {
	return Vector{
		TVOC:       sf.Frame.TVOC,
		ECO2:       sf.Frame.ECO2,
		PM25:       sf.Frame.PM25,
		AirQuality: sf.Frame.AirQuality,
		Score:      float64(sf.Score),
	}
}

// AdvisoryCode identifies an advisory kind on the wire
type AdvisoryCode int

const (
	AdvisoryWaiting AdvisoryCode = iota
	AdvisoryAllClear
	AdvisoryDegradation
	AdvisoryParticulate
	AdvisoryVentilation
	AdvisoryOdor
	AdvisoryCO2Rising
	AdvisoryQualityDown
	AdvisoryTVOCSurge
)

func (c AdvisoryCode) String() string {
	switch c {
	case AdvisoryWaiting:
		return "waiting"
	case AdvisoryAllClear:
		return "all-clear"
	case AdvisoryDegradation:
		return "degradation"
	case AdvisoryParticulate:
		return "particulate"
	case AdvisoryVentilation:
		return "ventilation"
	case AdvisoryOdor:
		return "odor"
	case AdvisoryCO2Rising:
		return "co2-rising"
	case AdvisoryQualityDown:
		return "quality-down"
	case AdvisoryTVOCSurge:
		return "tvoc-surge"
	default:
		return "unknown"
	}
}

// Advisory is a short human-readable status message
type Advisory struct {
	Code AdvisoryCode `json:"code"`
	Text string       `json:"text"`
}

// SharedPrediction is the latest published view of the forecast pipeline.
// It is replaced as a whole on every publish and never mutated in place.
type SharedPrediction struct {
	HasForecast        bool         `json:"has_forecast"`
	PredictedQuality   float64      `json:"predicted_quality"`
	PredictedScore     float64      `json:"predicted_score"`
	PredictedOdorLevel int          `json:"predicted_odor_level"`
	CompositeScore     int          `json:"composite_score"`
	AdvisoryText       string       `json:"advisory_text"`
	AdvisoryCode       AdvisoryCode `json:"advisory_code"`
	Advisories         []Advisory   `json:"advisories,omitempty"`
	Status             string       `json:"status"`
	Forecast           *Vector      `json:"forecast,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// WaitingPrediction is the view published before any forecast exists
func WaitingPrediction(status string) *SharedPrediction {
	return &SharedPrediction{
		CompositeScore: 100,
		AdvisoryText:   status,
		AdvisoryCode:   AdvisoryWaiting,
		Status:         status,
		UpdatedAt:      time.Now(),
	}
}
