package forecast

import (
	"fmt"

	"github.com/afroash/airguard/internal/models"
)

// FeatureNames is the per-frame input order. It is stored with every
// model file; a model trained on a different order is rejected on load.
var FeatureNames = []string{"tvoc", "eco2", "pm25", "mq4", "mq7", "mq135", "air_quality", "odor_level"}

// Horizon is how many frames past the newest window frame a forecast targets
const Horizon = 2

func frameFeatures(f models.SensorFrame) []float64 {
	return []float64{f.TVOC, f.ECO2, f.PM25, f.MQ4, f.MQ7, f.MQ135, f.AirQuality, float64(f.OdorLevel)}
}

// Flatten concatenates the features of each frame, oldest first
func Flatten(window []models.ScoredFrame) []float64 {
	out := make([]float64, 0, len(window)*len(FeatureNames))
	for _, sf := range window {
		out = append(out, frameFeatures(sf.Frame)...)
	}
	return out
}

// trainingPairs slides a window over rows and pairs each position with the
// realized vector Horizon frames later.
func trainingPairs(rows []models.ScoredFrame, window int) ([][]float64, [][]float64, error) {
	if window < 1 {
		return nil, nil, fmt.Errorf("window must be positive, got %d", window)
	}
	var xs, ys [][]float64
	for end := window - 1; end+Horizon < len(rows); end++ {
		xs = append(xs, Flatten(rows[end-window+1:end+1]))
		ys = append(ys, models.RealizedVector(rows[end+Horizon]).Values())
	}
	return xs, ys, nil
}
