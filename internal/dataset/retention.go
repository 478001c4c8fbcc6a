package dataset

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionCleanerConfig bounds how much of the corpus is kept
type RetentionCleanerConfig struct {
	RetentionDays int           // 0 keeps frames of any age
	MaxRows       int           // newest frames kept per device; 0 keeps all
	CleanupPeriod time.Duration // default 1h
}

func (c RetentionCleanerConfig) enabled() bool {
	return c.RetentionDays > 0 || c.MaxRows > 0
}

// DefaultRetentionCleanerConfig returns sensible defaults
func DefaultRetentionCleanerConfig() RetentionCleanerConfig {
	return RetentionCleanerConfig{
		RetentionDays: 90,
		CleanupPeriod: time.Hour,
	}
}

// RetentionCleanerStats counts sweeps and removed frames
type RetentionCleanerStats struct {
	Sweeps      int64     `json:"sweeps"`
	Failures    int64     `json:"failures"`
	Expired     int64     `json:"expired"`
	Trimmed     int64     `json:"trimmed"`
	LastSweep   time.Time `json:"last_sweep,omitempty"`
	LastRemoved int64     `json:"last_removed"`
}

type frameDeleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	TrimPerDevice(ctx context.Context, maxRows int) (int64, error)
}

// RetentionCleaner sweeps the frames table on a period: first frames older
// than RetentionDays, then everything past MaxRows per device.
type RetentionCleaner struct {
	store  frameDeleter
	config RetentionCleanerConfig
	now    func() time.Time
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mutex sync.Mutex
	stats RetentionCleanerStats
}

// NewRetentionCleaner creates a cleaner and, when any limit is set,
// starts sweeping in the background until Stop
func NewRetentionCleaner(store *SQLiteStore, config RetentionCleanerConfig, logger zerolog.Logger) *RetentionCleaner {
	return newRetentionCleaner(store, config, logger)
}

func newRetentionCleaner(store frameDeleter, config RetentionCleanerConfig, logger zerolog.Logger) *RetentionCleaner {
	if config.CleanupPeriod <= 0 {
		logger.Warn().
			Dur("provided_period", config.CleanupPeriod).
			Msg("Invalid cleanup period, using 1h")
		config.CleanupPeriod = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RetentionCleaner{
		store:  store,
		config: config,
		now:    time.Now,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if !config.enabled() {
		close(c.done)
		logger.Info().Msg("Retention disabled, keeping every frame")
		return c
	}

	go c.loop(ctx)
	logger.Info().
		Int("retention_days", config.RetentionDays).
		Int("max_rows", config.MaxRows).
		Dur("cleanup_period", config.CleanupPeriod).
		Msg("RetentionCleaner started")
	return c
}

func (c *RetentionCleaner) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		c.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep applies both limits once and returns the number of frames removed
func (c *RetentionCleaner) Sweep(ctx context.Context) (int64, error) {
	if !c.config.enabled() {
		return 0, nil
	}

	var expired, trimmed int64
	var err error
	if c.config.RetentionDays > 0 {
		cutoff := c.now().AddDate(0, 0, -c.config.RetentionDays)
		expired, err = c.store.DeleteBefore(ctx, cutoff)
	}
	if err == nil && c.config.MaxRows > 0 {
		trimmed, err = c.store.TrimPerDevice(ctx, c.config.MaxRows)
	}

	c.mutex.Lock()
	c.stats.Sweeps++
	c.stats.LastSweep = c.now()
	c.stats.Expired += expired
	c.stats.Trimmed += trimmed
	c.stats.LastRemoved = expired + trimmed
	if err != nil {
		c.stats.Failures++
	}
	c.mutex.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("Retention sweep failed")
		return expired + trimmed, err
	}
	if expired+trimmed > 0 {
		c.logger.Info().
			Int64("expired", expired).
			Int64("trimmed", trimmed).
			Msg("Retention sweep removed frames")
	}
	return expired + trimmed, nil
}

// Stop ends background sweeping and waits for a sweep in flight.
// Safe to call more than once.
func (c *RetentionCleaner) Stop() {
	c.cancel()
	<-c.done
}

// Stats returns a copy of the cleaner statistics
func (c *RetentionCleaner) Stats() RetentionCleanerStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stats
}
