package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// PurifierMode parses control.mode
func (c *Config) PurifierMode() (models.PurifierMode, error) {
	mode, ok := models.ParsePurifierMode(c.Control.Mode)
	if !ok {
		return models.ModeManual, fmt.Errorf("control mode must be manual or auto, got %q", c.Control.Mode)
	}
	return mode, nil
}

// AutoSchedule returns the manual-mode schedule as minutes of day.
// auto_off may be 24:00 to run until midnight.
func (c *Config) AutoSchedule() (on, off int, err error) {
	if on, err = parseClock(c.Control.AutoOn); err != nil {
		return 0, 0, fmt.Errorf("auto_on: %w", err)
	}
	if on == 24*60 {
		return 0, 0, fmt.Errorf("auto_on: 24:00 is not a start time")
	}
	if off, err = parseClock(c.Control.AutoOff); err != nil {
		return 0, 0, fmt.Errorf("auto_off: %w", err)
	}
	return on, off, nil
}

// parseClock parses HH:MM into minutes since midnight
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%q is not a time of day", s)
	}
	return h*60 + m, nil
}

// NewLogger builds the process logger from the logging section
func NewLogger(config LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if config.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
