package sensor

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Probe names accepted in Config.Probes
const (
	ProbeDHT       = "dht"
	ProbeSimulated = "simulated"
	ProbeMQTT      = "mqtt"
)

// Config lists the probes to open, in merge priority order
type Config struct {
	Probes      []string
	DHTPin      int
	ReadTimeout time.Duration
	Seed        int64
	MQTTTopic   string
	MQTTMaxAge  time.Duration
}

// Open builds a Composite from the configured probes. sub may be nil
// when no mqtt probe is configured.
func Open(config Config, sub Subscriber, logger zerolog.Logger) (*Composite, error) {
	var probes []Probe
	closeAll := func() {
		for _, p := range probes {
			p.Close()
		}
	}

	for _, name := range config.Probes {
		var (
			p   Probe
			err error
		)

		switch name {
		case ProbeDHT:
			var reader *DHT11Reader
			reader, err = NewDHT11Reader(config.DHTPin)
			if err == nil {
				p = NewDHTProbe(reader)
			}
		case ProbeSimulated:
			p = NewSimulatedProbe(SimulatedConfig{Seed: config.Seed, Climate: !slices.Contains(config.Probes, ProbeDHT)})
		case ProbeMQTT:
			if sub == nil {
				err = errors.New("mqtt probe needs a broker connection")
				break
			}
			p, err = NewMQTTProbe(sub, config.MQTTTopic, config.MQTTMaxAge, logger.With().Str("probe", ProbeMQTT).Logger())
		default:
			err = fmt.Errorf("unknown probe %q", name)
		}

		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open probe %s: %w", name, err)
		}
		probes = append(probes, p)
	}

	return NewComposite(probes, config.ReadTimeout, logger.With().Str("component", "sensor").Logger())
}
