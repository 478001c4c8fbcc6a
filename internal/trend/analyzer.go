// Package trend turns recent realized and forecast vectors into advisories.
package trend

import (
	"fmt"
	"sync"

	"github.com/afroash/airguard/internal/models"
)

// Advisory texts
const (
	TextCO2Rising   = "CO2 is rising steadily, ventilation advised"
	TextQualityDown = "Air quality is trending down"
	TextDegradation = "Air quality forecast to degrade soon"
	TextParticulate = "High particulate forecast, run the purifier"
	TextVentilation = "High CO2 forecast, open a window"
	TextOdor        = "Strong odor detected, diffuser recommended"
	TextAllClear    = "Air quality is good"
)

// surgeRatio is the TVOC rise over two samples that counts as a surge
const surgeRatio = 0.3

// Config holds the analyzer thresholds
type Config struct {
	ScoreFloor  float64
	PM25Ceiling float64
	ECO2Ceiling float64
}

// Result of one analysis. Active holds every advisory that currently applies;
// New drops those that were already active on the previous call.
type Result struct {
	Active []models.Advisory
	New    []models.Advisory
}

// Primary returns the condition advisory, which is always the last active entry
func (r Result) Primary() (models.Advisory, bool) {
	if len(r.Active) == 0 {
		return models.Advisory{}, false
	}
	return r.Active[len(r.Active)-1], true
}

// Analyzer remembers exactly one previous call for de-duplication
type Analyzer struct {
	config   Config
	previous map[models.AdvisoryCode]bool
	mutex    sync.Mutex
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(config Config) *Analyzer {
	return &Analyzer{
		config:   config,
		previous: make(map[models.AdvisoryCode]bool),
	}
}

// Analyze inspects the last three realized vectors and the latest forecast.
// Fewer than three realized vectors yields an empty result.
func (a *Analyzer) Analyze(realized, predicted []models.Vector, odorLevel int) Result {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(realized) < 3 {
		a.previous = make(map[models.AdvisoryCode]bool)
		return Result{}
	}

	var active []models.Advisory
	latest, prev, before := realized[len(realized)-1], realized[len(realized)-2], realized[len(realized)-3]

	if latest.ECO2 > prev.ECO2 && prev.ECO2 > before.ECO2 {
		active = append(active, models.Advisory{Code: models.AdvisoryCO2Rising, Text: TextCO2Rising})
	}
	if latest.Score < prev.Score && prev.Score < before.Score {
		active = append(active, models.Advisory{Code: models.AdvisoryQualityDown, Text: TextQualityDown})
	}
	if prev.TVOC != 0 && before.TVOC != 0 && (latest.TVOC-before.TVOC)/before.TVOC >= surgeRatio {
		active = append(active, models.Advisory{
			Code: models.AdvisoryTVOCSurge,
			Text: fmt.Sprintf("TVOC jumped more than 30%%, now %.0f", latest.TVOC),
		})
	}
	active = append(active, a.condition(predicted, odorLevel))

	current := make(map[models.AdvisoryCode]bool, len(active))
	var fresh []models.Advisory
	for _, adv := range active {
		current[adv.Code] = true
		if !a.previous[adv.Code] {
			fresh = append(fresh, adv)
		}
	}
	a.previous = current

	return Result{Active: active, New: fresh}
}

// condition picks exactly one advisory from the latest forecast and odor level
func (a *Analyzer) condition(predicted []models.Vector, odorLevel int) models.Advisory {
	if len(predicted) > 0 {
		forecast := predicted[len(predicted)-1]
		switch {
		case forecast.Score < a.config.ScoreFloor:
			return models.Advisory{Code: models.AdvisoryDegradation, Text: TextDegradation}
		case forecast.PM25 > a.config.PM25Ceiling:
			return models.Advisory{Code: models.AdvisoryParticulate, Text: TextParticulate}
		case forecast.ECO2 > a.config.ECO2Ceiling:
			return models.Advisory{Code: models.AdvisoryVentilation, Text: TextVentilation}
		}
	}
	if odorLevel >= models.OdorStrong {
		return models.Advisory{Code: models.AdvisoryOdor, Text: TextOdor}
	}
	return models.Advisory{Code: models.AdvisoryAllClear, Text: TextAllClear}
}

// Reset forgets the previous call
func (a *Analyzer) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.previous = make(map[models.AdvisoryCode]bool)
}
