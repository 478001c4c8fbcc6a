package sensor

import (
	"context"
	"fmt"

	"github.com/afroash/dht"

	"github.com/afroash/airguard/internal/models"
)

// DHTSensor defines the interface for reading from a DHT sensor
type DHTSensor interface {
	// Read returns temperature (°C) and humidity (%)
	Read() (temperature float64, humidity float64, err error)
	Close() error
}

// DHT11Reader implements DHTSensor for DHT11 hardware
type DHT11Reader struct {
	pin        int
	maxRetries int
	sensor     *dht.Sensor
}

// NewDHT11Reader opens the DHT11 on the given GPIO pin
func NewDHT11Reader(pin int) (*DHT11Reader, error) {
	sensor, err := dht.NewDHT11(pin)
	if err != nil {
		return nil, fmt.Errorf("failed to open DHT11 on pin %d: %w", pin, err)
	}
	return &DHT11Reader{
		pin:        pin,
		maxRetries: 3,
		sensor:     sensor,
	}, nil
}

// Read performs a reading with retries and range validation
func (d *DHT11Reader) Read() (float64, float64, error) {
	reading, err := d.sensor.ReadRetry(d.maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("after %d retries, failed to read from sensor: %w", d.maxRetries, err)
	}
	if err := validateReading(reading.Temperature, reading.Humidity); err != nil {
		return 0, 0, fmt.Errorf("invalid reading: %w", err)
	}
	return reading.Temperature, reading.Humidity, nil
}

// Close cleans up GPIO resources
func (d *DHT11Reader) Close() error {
	return d.sensor.Close()
}

func validateReading(temp, humidity float64) error {
	const (
		minTemp     = -20.0
		maxTemp     = 60.0
		minHumidity = 0.0
		maxHumidity = 100.0
	)
	if temp < minTemp || temp > maxTemp {
		return fmt.Errorf("temperature %.1f°C outside [%.0f, %.0f]", temp, minTemp, maxTemp)
	}
	if humidity < minHumidity || humidity > maxHumidity {
		return fmt.Errorf("humidity %.1f%% outside [%.0f, %.0f]", humidity, minHumidity, maxHumidity)
	}
	return nil
}

// DHTProbe reports temperature and humidity from a DHT sensor
type DHTProbe struct {
	sensor DHTSensor
}

// NewDHTProbe wraps a DHT sensor as a probe
func NewDHTProbe(sensor DHTSensor) *DHTProbe {
	return &DHTProbe{sensor: sensor}
}

func (p *DHTProbe) Name() string { return "dht" }

// Read blocks on the sensor, but gives up when ctx ends. The DHT read
// itself cannot be interrupted and finishes in the background.
func (p *DHTProbe) Read(ctx context.Context) (models.FrameInput, error) {
	type result struct {
		temp, hum float64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		t, h, err := p.sensor.Read()
		done <- result{t, h, err}
	}()

	select {
	case <-ctx.Done():
		return models.FrameInput{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return models.FrameInput{}, r.err
		}
		return models.FrameInput{
			Temperature: models.Float(r.temp),
			Humidity:    models.Float(r.hum),
		}, nil
	}
}

func (p *DHTProbe) Close() error {
	return p.sensor.Close()
}
