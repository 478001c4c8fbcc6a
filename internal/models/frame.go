package models

import (
	"fmt"
	"math"
	"time"
)

// Odor intensity levels reported by the odor classifier
const (
	OdorNone   = 0
	OdorMild   = 1
	OdorStrong = 2
)

// SensorFrame is one sampling round across all air-quality sensors.
// Frames are passed by value and never modified after Build.
type SensorFrame struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	TVOC        float64   `json:"tvoc"`
	ECO2        float64   `json:"eco2"`
	PM25        float64   `json:"pm25"`
	MQ4         float64   `json:"mq4"`
	MQ7         float64   `json:"mq7"`
	MQ135       float64   `json:"mq135"`
	AirQuality  float64   `json:"air_quality"`
	OdorLevel   int       `json:"odor_level"`
}

// WithOdor returns a copy of the frame annotated with an odor level
func (f SensorFrame) WithOdor(level int) SensorFrame {
	f.OdorLevel = clampOdor(level)
	return f
}

// GasSample returns the subset of the frame the odor classifier consumes
func (f SensorFrame) GasSample() GasSample {
	return GasSample{
		TVOC:  f.TVOC,
		ECO2:  f.ECO2,
		PM25:  f.PM25,
		MQ4:   f.MQ4,
		MQ7:   f.MQ7,
		MQ135: f.MQ135,
	}
}

func (f SensorFrame) String() string {
	return fmt.Sprintf("Frame{%s temp=%.1f hum=%.1f tvoc=%.0f eco2=%.0f pm25=%.1f mq4=%.0f mq7=%.0f mq135=%.0f aq=%.0f odor=%d}",
		f.Timestamp.Format(time.RFC3339),
		f.Temperature, f.Humidity, f.TVOC, f.ECO2, f.PM25,
		f.MQ4, f.MQ7, f.MQ135, f.AirQuality, f.OdorLevel)
}

// GasSample is the gas/particulate subset used for odor classification
type GasSample struct {
	TVOC  float64 `json:"tvoc"`
	ECO2  float64 `json:"eco2"`
	PM25  float64 `json:"pm25"`
	MQ4   float64 `json:"mq4"`
	MQ7   float64 `json:"mq7"`
	MQ135 float64 `json:"mq135"`
}

// Values returns the sample in classifier feature order
func (g GasSample) Values() []float64 {
	return []float64{g.TVOC, g.ECO2, g.PM25, g.MQ4, g.MQ7, g.MQ135}
}

// ScoredFrame is a frame together with its composite quality score
type ScoredFrame struct {
	Frame SensorFrame `json:"frame"`
	Score int         `json:"score"`
}

// FrameInput collects one sampling round from heterogeneous probes.
// A nil field means the probe did not report it.
type FrameInput struct {
	Temperature *float64
	Humidity    *float64
	TVOC        *float64
	ECO2        *float64
	PM25        *float64
	MQ4         *float64
	MQ7         *float64
	MQ135       *float64
	AirQuality  *float64
}

// Float returns a pointer to v, for filling FrameInput fields
func Float(v float64) *float64 {
	return &v
}

// Merge fills fields missing from in with the values reported by other
func (in FrameInput) Merge(other FrameInput) FrameInput {
	pick := func(a, b *float64) *float64 {
		if a != nil {
			return a
		}
		return b
	}
	return FrameInput{
		Temperature: pick(in.Temperature, other.Temperature),
		Humidity:    pick(in.Humidity, other.Humidity),
		TVOC:        pick(in.TVOC, other.TVOC),
		ECO2:        pick(in.ECO2, other.ECO2),
		PM25:        pick(in.PM25, other.PM25),
		MQ4:         pick(in.MQ4, other.MQ4),
		MQ7:         pick(in.MQ7, other.MQ7),
		MQ135:       pick(in.MQ135, other.MQ135),
		AirQuality:  pick(in.AirQuality, other.AirQuality),
	}
}

// Missing returns the names of the fields no probe reported
func (in FrameInput) Missing() []string {
	var missing []string
	fields := []struct {
		name string
		v    *float64
	}{
		{"temperature", in.Temperature},
		{"humidity", in.Humidity},
		{"tvoc", in.TVOC},
		{"eco2", in.ECO2},
		{"pm25", in.PM25},
		{"mq4", in.MQ4},
		{"mq7", in.MQ7},
		{"mq135", in.MQ135},
		{"air_quality", in.AirQuality},
	}
	for _, f := range fields {
		if f.v == nil {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Build normalizes the input into a SensorFrame. Missing or non-finite
// values become 0; the air-quality index is clamped to a minimum of 1.
func (in FrameInput) Build(ts time.Time) SensorFrame {
	return SensorFrame{
		Timestamp:   ts,
		Temperature: orZero(in.Temperature),
		Humidity:    orZero(in.Humidity),
		TVOC:        orZero(in.TVOC),
		ECO2:        orZero(in.ECO2),
		PM25:        orZero(in.PM25),
		MQ4:         orZero(in.MQ4),
		MQ7:         orZero(in.MQ7),
		MQ135:       orZero(in.MQ135),
		AirQuality:  math.Max(1, orZero(in.AirQuality)),
	}
}

func orZero(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

func clampOdor(level int) int {
	if level < OdorNone {
		return OdorNone
	}
	if level > OdorStrong {
		return OdorStrong
	}
	return level
}
