package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/broker"
	"github.com/afroash/airguard/internal/models"
)

// Subscriber is the part of the MQTT client a probe needs
type Subscriber interface {
	Subscribe(topic string, handler broker.Handler) error
}

// MQTTProbe caches readings a sensor board publishes over MQTT, either
// one field per topic (".../tvoc" with a bare number) or a JSON object
// of fields on any topic. Values older than maxAge are treated as missing.
type MQTTProbe struct {
	topic  string
	maxAge time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	values map[string]timedValue
}

type timedValue struct {
	v  float64
	at time.Time
}

// NewMQTTProbe subscribes to every field under topic
func NewMQTTProbe(sub Subscriber, topic string, maxAge time.Duration, logger zerolog.Logger) (*MQTTProbe, error) {
	p := newMQTTProbe(topic, maxAge, logger)
	if err := sub.Subscribe(broker.Topic(topic, "+"), p.handle); err != nil {
		return nil, err
	}
	return p, nil
}

func newMQTTProbe(topic string, maxAge time.Duration, logger zerolog.Logger) *MQTTProbe {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &MQTTProbe{
		topic:  topic,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
		values: make(map[string]timedValue),
	}
}

func (p *MQTTProbe) Name() string { return "mqtt" }

func (p *MQTTProbe) handle(topic string, payload []byte) {
	payload = bytes.TrimSpace(payload)
	now := p.now()

	if len(payload) > 0 && payload[0] == '{' {
		var fields map[string]float64
		if err := json.Unmarshal(payload, &fields); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Invalid sensor payload")
			return
		}
		p.mu.Lock()
		for name, v := range fields {
			p.values[name] = timedValue{v: v, at: now}
		}
		p.mu.Unlock()
		return
	}

	field := broker.LastSegment(topic)
	v, err := strconv.ParseFloat(string(payload), 64)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("Invalid sensor value")
		return
	}

	p.mu.Lock()
	p.values[field] = timedValue{v: v, at: now}
	p.mu.Unlock()
}

// Read returns the freshest value of every known field
func (p *MQTTProbe) Read(ctx context.Context) (models.FrameInput, error) {
	if err := ctx.Err(); err != nil {
		return models.FrameInput{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := p.now().Add(-p.maxAge)
	get := func(name string) *float64 {
		tv, ok := p.values[name]
		if !ok || tv.at.Before(cutoff) {
			return nil
		}
		return models.Float(tv.v)
	}

	in := models.FrameInput{
		Temperature: get("temperature"),
		Humidity:    get("humidity"),
		TVOC:        get("tvoc"),
		ECO2:        get("eco2"),
		PM25:        get("pm25"),
		MQ4:         get("mq4"),
		MQ7:         get("mq7"),
		MQ135:       get("mq135"),
		AirQuality:  get("air_quality"),
	}
	if len(in.Missing()) == 9 {
		return in, fmt.Errorf("no fresh readings on %s", p.topic)
	}
	return in, nil
}

func (p *MQTTProbe) Close() error { return nil }
