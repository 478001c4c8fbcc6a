// Package motion tracks when a PIR sensor last saw movement.
package motion

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warthog618/go-gpiocdev"
)

// Detector reports the time of the last motion event
type Detector interface {
	LastMotion() time.Time
	Close() error
}

// None is the detector used when no motion sensor is fitted
var None Detector = none{}

type none struct{}

func (none) LastMotion() time.Time { return time.Time{} }
func (none) Close() error          { return nil }

// Tracker records motion events. Events closer than cooldown to the
// previous accepted one are ignored.
type Tracker struct {
	cooldown time.Duration
	logger   zerolog.Logger

	mutex    sync.Mutex
	last     time.Time
	events   int64
	filtered int64
}

// NewTracker creates a tracker with no motion recorded
func NewTracker(cooldown time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{cooldown: cooldown, logger: logger}
}

// Observe records motion at t and reports whether it was accepted
func (t *Tracker) Observe(at time.Time) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.last.IsZero() && at.Sub(t.last) < t.cooldown {
		t.filtered++
		return false
	}
	t.last = at
	t.events++
	t.logger.Debug().Time("at", at).Msg("Motion detected")
	return true
}

// LastMotion returns the last accepted event, zero if none
func (t *Tracker) LastMotion() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.last
}

// Stats holds event counters
type Stats struct {
	Events   int64     `json:"events"`
	Filtered int64     `json:"filtered"`
	Last     time.Time `json:"last,omitempty"`
}

func (t *Tracker) Stats() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return Stats{Events: t.events, Filtered: t.filtered, Last: t.last}
}

// Close is a no-op for a bare tracker
func (t *Tracker) Close() error { return nil }

// PIRConfig selects the input line of a PIR sensor
type PIRConfig struct {
	Chip     string
	Pin      int
	Debounce time.Duration
	Cooldown time.Duration
}

// PIR watches a GPIO input for rising edges from a PIR sensor
type PIR struct {
	*Tracker
	line *gpiocdev.Line
}

// OpenPIR requests the input line and starts tracking its rising edges
func OpenPIR(config PIRConfig, logger zerolog.Logger) (*PIR, error) {
	p := &PIR{Tracker: NewTracker(config.Cooldown, logger)}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithConsumer("airguard-motion"),
		gpiocdev.WithEventHandler(p.handle),
	}
	if config.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(config.Debounce))
	}

	line, err := gpiocdev.RequestLine(config.Chip, config.Pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to request %s line %d: %w", config.Chip, config.Pin, err)
	}
	p.line = line

	logger.Info().
		Str("chip", config.Chip).
		Int("pin", config.Pin).
		Dur("debounce", config.Debounce).
		Dur("cooldown", config.Cooldown).
		Msg("PIR motion sensor ready")
	return p, nil
}

// handle runs on the gpiocdev event goroutine. Event timestamps are
// kernel monotonic, so wall time is taken on receipt.
func (p *PIR) handle(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventRisingEdge {
		return
	}
	p.Observe(time.Now())
}

// Close releases the input line
func (p *PIR) Close() error {
	return p.line.Close()
}
