package trend

import (
	"testing"
	"time"

	"github.com/afroash/airguard/internal/models"
)

func newTestAnalyzer() *Analyzer {
	return NewAnalyzer(Config{ScoreFloor: 70, PM25Ceiling: 35, ECO2Ceiling: 1000})
}

func neutral(score float64) models.Vector {
	return models.Vector{TVOC: 50, ECO2: 450, PM25: 10, AirQuality: 1, Score: score}
}

func has(advisories []models.Advisory, code models.AdvisoryCode) bool {
	for _, a := range advisories {
		if a.Code == code {
			return true
		}
	}
	return false
}

func count(advisories []models.Advisory, code models.AdvisoryCode) int {
	n := 0
	for _, a := range advisories {
		if a.Code == code {
			n++
		}
	}
	return n
}

func TestAnalyze_NeedsThreeSamples(t *testing.T) {
	a := newTestAnalyzer()

	res := a.Analyze([]models.Vector{neutral(90), neutral(80)}, []models.Vector{neutral(90)}, 0)

	if len(res.Active) != 0 || len(res.New) != 0 {
		t.Errorf("Analyze with 2 samples = %+v, want empty", res)
	}
}

func TestAnalyze_QualityDownDeduplicated(t *testing.T) {
	a := newTestAnalyzer()
	realized := []models.Vector{neutral(90), neutral(80), neutral(70)}
	predicted := []models.Vector{neutral(85)}

	first := a.Analyze(realized, predicted, 0)
	if !has(first.New, models.AdvisoryQualityDown) {
		t.Fatalf("first call New = %+v, want quality-down", first.New)
	}

	second := a.Analyze(realized, predicted, 0)
	if has(second.New, models.AdvisoryQualityDown) {
		t.Error("second identical call should suppress quality-down")
	}
	if !has(second.Active, models.AdvisoryQualityDown) {
		t.Error("quality-down should still be active")
	}
}

func TestAnalyze_OneCycleMemory(t *testing.T) {
	a := newTestAnalyzer()
	falling := []models.Vector{neutral(90), neutral(80), neutral(70)}
	flat := []models.Vector{neutral(70), neutral(70), neutral(70)}
	predicted := []models.Vector{neutral(85)}

	a.Analyze(falling, predicted, 0)
	a.Analyze(flat, predicted, 0)
	third := a.Analyze(falling, predicted, 0)

	if !has(third.New, models.AdvisoryQualityDown) {
		t.Error("quality-down should be new again after a cycle without it")
	}
}

func TestAnalyze_ConditionPriority(t *testing.T) {
	realized := []models.Vector{neutral(90), neutral(90), neutral(90)}

	tests := []struct {
		name     string
		forecast models.Vector
		odor     int
		want     models.AdvisoryCode
	}{
		{"all clear", neutral(90), 0, models.AdvisoryAllClear},
		{"degradation beats particulate", models.Vector{PM25: 80, ECO2: 2000, Score: 60}, 2, models.AdvisoryDegradation},
		{"particulate beats ventilation", models.Vector{PM25: 80, ECO2: 2000, Score: 90}, 2, models.AdvisoryParticulate},
		{"ventilation beats odor", models.Vector{PM25: 10, ECO2: 1200, Score: 90}, 2, models.AdvisoryVentilation},
		{"odor", neutral(90), 2, models.AdvisoryOdor},
		{"mild odor is clear", neutral(90), 1, models.AdvisoryAllClear},
		{"floor is exclusive", neutral(70), 0, models.AdvisoryAllClear},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer()
			res := a.Analyze(realized, []models.Vector{tt.forecast}, tt.odor)

			primary, ok := res.Primary()
			if !ok {
				t.Fatal("expected a condition advisory")
			}
			if primary.Code != tt.want {
				t.Errorf("condition = %s, want %s", primary.Code, tt.want)
			}

			conditions := 0
			for _, code := range []models.AdvisoryCode{
				models.AdvisoryAllClear, models.AdvisoryDegradation, models.AdvisoryParticulate,
				models.AdvisoryVentilation, models.AdvisoryOdor,
			} {
				conditions += count(res.Active, code)
			}
			if conditions != 1 {
				t.Errorf("got %d condition advisories, want exactly 1", conditions)
			}
		})
	}
}

func TestAnalyze_TVOCSurge(t *testing.T) {
	tests := []struct {
		name string
		tvoc [3]float64
		want bool
	}{
		{"thirty percent", [3]float64{100, 110, 130}, true},
		{"below threshold", [3]float64{100, 110, 120}, false},
		{"zero baseline", [3]float64{0, 110, 500}, false},
		{"zero middle", [3]float64{100, 0, 500}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer()
			realized := make([]models.Vector, 3)
			for i, v := range tt.tvoc {
				realized[i] = neutral(90)
				realized[i].TVOC = v
			}

			res := a.Analyze(realized, []models.Vector{neutral(90)}, 0)
			if got := has(res.Active, models.AdvisoryTVOCSurge); got != tt.want {
				t.Errorf("tvoc surge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyze_RisingCO2EndToEnd(t *testing.T) {
	a := newTestAnalyzer()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	var realized []models.Vector
	for i, eco2 := range []float64{400, 420, 440, 460, 480, 500} {
		frame := models.FrameInput{ECO2: models.Float(eco2), TVOC: models.Float(50)}.
			Build(start.Add(time.Duration(i) * 2 * time.Second))
		realized = append(realized, models.RealizedVector(models.ScoredFrame{Frame: frame, Score: 95}))
	}
	predicted := []models.Vector{neutral(92)}

	total := 0
	for i := 0; i < 2; i++ {
		res := a.Analyze(realized, predicted, 0)
		if !has(res.Active, models.AdvisoryCO2Rising) {
			t.Fatalf("evaluation %d: co2-rising not active", i+1)
		}
		total += count(res.New, models.AdvisoryCO2Rising)
	}

	if total != 1 {
		t.Errorf("co2-rising emitted %d times over two evaluations, want 1", total)
	}
}
