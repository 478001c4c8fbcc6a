package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

var ErrNoProbes = errors.New("no sensor probes configured")

// Probe reads the subset of a frame one piece of hardware provides.
// Fields the probe does not measure stay nil.
type Probe interface {
	Name() string
	Read(ctx context.Context) (models.FrameInput, error)
	Close() error
}

// ProbeStats counts reads per probe
type ProbeStats struct {
	Reads     int64     `json:"reads"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastRead  time.Time `json:"last_read,omitempty"`
}

// Composite merges the probes into one sampling round. Earlier probes
// win when two report the same field.
type Composite struct {
	probes  []Probe
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.RWMutex
	stats map[string]*ProbeStats
}

// NewComposite builds a source over probes. Each probe read is bounded
// by timeout when it is positive.
func NewComposite(probes []Probe, timeout time.Duration, logger zerolog.Logger) (*Composite, error) {
	if len(probes) == 0 {
		return nil, ErrNoProbes
	}

	stats := make(map[string]*ProbeStats, len(probes))
	names := make([]string, len(probes))
	for i, p := range probes {
		stats[p.Name()] = &ProbeStats{}
		names[i] = p.Name()
	}

	logger.Info().Strs("probes", names).Dur("timeout", timeout).Msg("Sensor source ready")

	return &Composite{
		probes:  probes,
		timeout: timeout,
		logger:  logger,
		stats:   stats,
	}, nil
}

// Read polls every probe. A failing probe leaves its fields nil; its
// error is joined into the returned error alongside the partial input.
func (c *Composite) Read(ctx context.Context) (models.FrameInput, error) {
	var (
		merged models.FrameInput
		errs   []error
	)

	for _, p := range c.probes {
		if err := ctx.Err(); err != nil {
			return merged, err
		}

		in, err := c.readProbe(ctx, p)
		c.record(p.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		merged = merged.Merge(in)
	}

	return merged, errors.Join(errs...)
}

func (c *Composite) readProbe(ctx context.Context, p Probe) (models.FrameInput, error) {
	if c.timeout <= 0 {
		return p.Read(ctx)
	}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return p.Read(pctx)
}

func (c *Composite) record(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats[name]
	s.Reads++
	s.LastRead = time.Now()
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
}

// Stats returns a copy of the per-probe counters
func (c *Composite) Stats() map[string]ProbeStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ProbeStats, len(c.stats))
	for name, s := range c.stats {
		out[name] = *s
	}
	return out
}

// Close closes every probe
func (c *Composite) Close() error {
	var errs []error
	for _, p := range c.probes {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
