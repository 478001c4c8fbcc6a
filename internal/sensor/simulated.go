package sensor

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/afroash/airguard/internal/models"
)

// SimulatedConfig seeds and shapes the simulated gas probe
type SimulatedConfig struct {
	Seed int64
	// EventChance is the per-read probability of a pollution event
	EventChance float64
	// Climate also reports temperature and humidity when set
	Climate bool
}

// SimulatedProbe produces plausible gas and particulate readings as a
// bounded random walk with occasional pollution events that decay back
// to baseline. Used on development machines without the sensor board.
type SimulatedProbe struct {
	config SimulatedConfig

	mu    sync.Mutex
	rng   *rand.Rand
	state simState
	event float64
}

type simState struct {
	tvoc, eco2, pm25 float64
	mq4, mq7, mq135  float64
	temp, hum        float64
}

var simBaseline = simState{
	tvoc: 80, eco2: 480, pm25: 8,
	mq4: 19000, mq7: 9500, mq135: 2500,
	temp: 22, hum: 45,
}

// NewSimulatedProbe returns a probe at baseline
func NewSimulatedProbe(config SimulatedConfig) *SimulatedProbe {
	if config.EventChance <= 0 {
		config.EventChance = 0.02
	}
	return &SimulatedProbe{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		state:  simBaseline,
	}
}

func (p *SimulatedProbe) Name() string { return "simulated" }

func (p *SimulatedProbe) Read(ctx context.Context) (models.FrameInput, error) {
	if err := ctx.Err(); err != nil {
		return models.FrameInput{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() < p.config.EventChance {
		p.event = 1
	}
	p.event *= 0.9

	s := &p.state
	s.tvoc = p.walk(s.tvoc, simBaseline.tvoc, 6, 0, 5000) + 900*p.event
	s.eco2 = p.walk(s.eco2, simBaseline.eco2, 10, 400, 5000) + 700*p.event
	s.pm25 = p.walk(s.pm25, simBaseline.pm25, 1, 0, 500) + 60*p.event
	s.mq4 = p.walk(s.mq4, simBaseline.mq4, 150, 0, 65535) + 6000*p.event
	s.mq7 = p.walk(s.mq7, simBaseline.mq7, 120, 0, 65535) + 4000*p.event
	s.mq135 = p.walk(s.mq135, simBaseline.mq135, 100, 0, 65535) + 8000*p.event

	in := models.FrameInput{
		TVOC:       models.Float(math.Round(s.tvoc)),
		ECO2:       models.Float(math.Round(s.eco2)),
		PM25:       models.Float(math.Round(s.pm25*10) / 10),
		MQ4:        models.Float(math.Round(s.mq4)),
		MQ7:        models.Float(math.Round(s.mq7)),
		MQ135:      models.Float(math.Round(s.mq135)),
		AirQuality: models.Float(airQualityIndex(s.eco2, s.tvoc)),
	}
	if p.config.Climate {
		s.temp = p.walk(s.temp, simBaseline.temp, 0.1, -20, 60)
		s.hum = p.walk(s.hum, simBaseline.hum, 0.5, 0, 100)
		in.Temperature = models.Float(math.Round(s.temp*10) / 10)
		in.Humidity = models.Float(math.Round(s.hum*10) / 10)
	}

	// event contributions are not carried into the next walk step
	s.tvoc -= 900 * p.event
	s.eco2 -= 700 * p.event
	s.pm25 -= 60 * p.event
	s.mq4 -= 6000 * p.event
	s.mq7 -= 4000 * p.event
	s.mq135 -= 8000 * p.event

	return in, nil
}

// walk takes one mean-reverting step and clamps to [lo, hi]
func (p *SimulatedProbe) walk(v, mean, step, lo, hi float64) float64 {
	v += (mean-v)*0.05 + p.rng.NormFloat64()*step
	return math.Max(lo, math.Min(hi, v))
}

func (p *SimulatedProbe) Close() error { return nil }

// airQualityIndex approximates the ENS160 1..5 index from eCO2 and TVOC
func airQualityIndex(eco2, tvoc float64) float64 {
	switch {
	case eco2 < 600 && tvoc < 220:
		return 1
	case eco2 < 800 && tvoc < 660:
		return 2
	case eco2 < 1000 && tvoc < 1430:
		return 3
	case eco2 < 1500 && tvoc < 2200:
		return 4
	default:
		return 5
	}
}
