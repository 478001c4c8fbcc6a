package actuator

import (
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// GPIOConfig maps actuators to line offsets on one chip
type GPIOConfig struct {
	Chip           string
	PurifierFanPin int
	DiffuserFanPin int
	Channel1Pin    int
	Channel2Pin    int
	PWMFrequency   int
}

// Hardware bundles the four outputs the controller drives
type Hardware struct {
	Purifier    Fan
	DiffuserFan Fan
	Channel1    Switch
	Channel2    Switch
	closers     []io.Closer
}

// NopHardware returns outputs that only record their state
func NopHardware() *Hardware {
	return &Hardware{
		Purifier:    &NopFan{},
		DiffuserFan: &NopFan{},
		Channel1:    &NopSwitch{},
		Channel2:    &NopSwitch{},
	}
}

// OpenGPIO requests every output line. Lines already requested are
// released if a later request fails.
func OpenGPIO(config GPIOConfig, logger zerolog.Logger) (*Hardware, error) {
	h := &Hardware{}

	purifier, err := NewPWMFan(config.Chip, config.PurifierFanPin, config.PWMFrequency, logger.With().Str("output", "purifier").Logger())
	if err != nil {
		return nil, err
	}
	h.Purifier = purifier
	h.closers = append(h.closers, purifier)

	diffuserFan, err := NewPWMFan(config.Chip, config.DiffuserFanPin, config.PWMFrequency, logger.With().Str("output", "diffuser").Logger())
	if err != nil {
		h.Close()
		return nil, err
	}
	h.DiffuserFan = diffuserFan
	h.closers = append(h.closers, diffuserFan)

	ch1, err := NewGPIOSwitch(config.Chip, config.Channel1Pin)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Channel1 = ch1
	h.closers = append(h.closers, ch1)

	ch2, err := NewGPIOSwitch(config.Chip, config.Channel2Pin)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Channel2 = ch2
	h.closers = append(h.closers, ch2)

	logger.Info().
		Str("chip", config.Chip).
		Int("purifier_pin", config.PurifierFanPin).
		Int("diffuser_pin", config.DiffuserFanPin).
		Msg("GPIO outputs ready")
	return h, nil
}

// Close releases every hardware output
func (h *Hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i].Close())
	}
	h.closers = nil
	return errors.Join(errs...)
}
