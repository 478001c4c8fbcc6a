package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// Supported dataset drivers
const (
	DriverCSV    = "csv"
	DriverSQLite = "sqlite"
)

var (
	ErrUnknownDriver = errors.New("unknown dataset driver")
	ErrQueueFull     = errors.New("dataset write queue full")
)

// Store persists the training corpus of scored frames
type Store interface {
	Append(row models.ScoredFrame) error
	Load(ctx context.Context) ([]models.ScoredFrame, error)
	Close() error
}

// Config selects and configures a dataset driver
type Config struct {
	Driver    string
	Path      string
	DeviceKey string
	Writer    DBWriterConfig
	Retention RetentionCleanerConfig
}

// Open returns the store for the configured driver
func Open(config Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "dataset").Str("driver", config.Driver).Logger()

	// a failed constructor must not leak a typed nil through the interface
	switch config.Driver {
	case DriverCSV, "":
		s, err := NewCSVStore(config.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := OpenSQLiteDataset(config, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, config.Driver)
	}
}
