package actuator

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DiffuserState is the diffuser's pulse state
type DiffuserState int

const (
	DiffuserIdle DiffuserState = iota
	DiffuserPulsing
)

func (s DiffuserState) String() string {
	switch s {
	case DiffuserIdle:
		return "idle"
	case DiffuserPulsing:
		return "pulsing"
	default:
		return "unknown"
	}
}

// DiffuserConfig holds pulse timing and output selection
type DiffuserConfig struct {
	Period        time.Duration
	PulseDuration time.Duration
	AssistSpeed   int
	Channel       int // 1 or 2
}

// Diffuser is a two-state pulse machine. While enabled it fires a pulse of
// PulseDuration every Period. It is not safe for concurrent use; the
// Controller serializes access.
type Diffuser struct {
	config         DiffuserConfig
	enabled        bool
	state          DiffuserState
	lastPulseStart time.Time
	fan            Fan
	channels       [2]Switch
	logger         zerolog.Logger
}

// NewDiffuser creates a disabled, idle diffuser
func NewDiffuser(config DiffuserConfig, fan Fan, channel1, channel2 Switch, logger zerolog.Logger) *Diffuser {
	if config.Channel != 2 {
		config.Channel = 1
	}
	config.AssistSpeed = clampLevel(config.AssistSpeed)
	return &Diffuser{
		config:   config,
		fan:      fan,
		channels: [2]Switch{channel1, channel2},
		logger:   logger,
	}
}

// Enable arms the diffuser. Enabling from disabled clears the last pulse
// time so the first pulse fires on the next Tick.
func (d *Diffuser) Enable() {
	if d.enabled {
		return
	}
	d.enabled = true
	d.lastPulseStart = time.Time{}
	d.logger.Info().Dur("period", d.config.Period).Msg("Diffuser enabled")
}

// Disable stops any pulse immediately and disarms the diffuser
func (d *Diffuser) Disable() error {
	if !d.enabled && d.state == DiffuserIdle {
		return nil
	}
	d.enabled = false
	d.logger.Info().Msg("Diffuser disabled")
	return d.stop()
}

// Reset disarms the diffuser and drives every output off regardless of state
func (d *Diffuser) Reset() error {
	d.enabled = false
	return d.stop()
}

// Tick advances the state machine to now
func (d *Diffuser) Tick(now time.Time) error {
	switch d.state {
	case DiffuserIdle:
		if d.enabled && d.periodElapsed(now) {
			return d.start(now)
		}
	case DiffuserPulsing:
		if now.Sub(d.lastPulseStart) >= d.config.PulseDuration {
			return d.stop()
		}
	}
	return nil
}

func (d *Diffuser) periodElapsed(now time.Time) bool {
	return d.lastPulseStart.IsZero() || now.Sub(d.lastPulseStart) >= d.config.Period
}

func (d *Diffuser) start(now time.Time) error {
	d.state = DiffuserPulsing
	d.lastPulseStart = now

	var errs []error
	if err := d.fan.SetSpeed(d.config.AssistSpeed); err != nil {
		errs = append(errs, fmt.Errorf("assist fan: %w", err))
	}
	if err := d.channels[d.config.Channel-1].Set(true); err != nil {
		errs = append(errs, fmt.Errorf("channel %d: %w", d.config.Channel, err))
	}
	d.logger.Debug().Int("channel", d.config.Channel).Int("assist_speed", d.config.AssistSpeed).Msg("Diffuser pulse started")
	return errors.Join(errs...)
}

func (d *Diffuser) stop() error {
	wasPulsing := d.state == DiffuserPulsing
	d.state = DiffuserIdle

	var errs []error
	if err := d.fan.SetSpeed(0); err != nil {
		errs = append(errs, fmt.Errorf("assist fan: %w", err))
	}
	for i, ch := range d.channels {
		if err := ch.Set(false); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i+1, err))
		}
	}
	if wasPulsing {
		d.logger.Debug().Msg("Diffuser pulse stopped")
	}
	return errors.Join(errs...)
}

// State returns the current pulse state
func (d *Diffuser) State() DiffuserState { return d.state }

// Enabled reports whether the diffuser is armed
func (d *Diffuser) Enabled() bool { return d.enabled }

// Config returns the current settings
func (d *Diffuser) Config() DiffuserConfig { return d.config }

// SetPeriod changes the interval between pulse starts
func (d *Diffuser) SetPeriod(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("diffuser period must be positive, got %s", period)
	}
	d.config.Period = period
	return nil
}

// SetAssistSpeed changes the fan speed used during a pulse
func (d *Diffuser) SetAssistSpeed(level int) error {
	if level < 0 || level > MaxFanLevel {
		return fmt.Errorf("assist speed must be 0-%d, got %d", MaxFanLevel, level)
	}
	d.config.AssistSpeed = level
	return nil
}

// SetChannel selects emission channel 1 or 2 for the next pulse
func (d *Diffuser) SetChannel(channel int) error {
	if channel != 1 && channel != 2 {
		return fmt.Errorf("diffuser channel must be 1 or 2, got %d", channel)
	}
	d.config.Channel = channel
	return nil
}
