package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// SQLiteDataset is the sqlite driver of Store: appends go through the
// async writer, loads flush the queue first so they see every row.
type SQLiteDataset struct {
	store     *SQLiteStore
	writer    *DBWriter
	cleaner   *RetentionCleaner
	deviceKey string
}

var _ Store = (*SQLiteDataset)(nil)

// OpenSQLiteDataset opens the database and starts its writer and cleaner
func OpenSQLiteDataset(config Config, logger zerolog.Logger) (*SQLiteDataset, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite dataset path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := NewSQLiteStore(config.Path, logger)
	if err != nil {
		return nil, err
	}

	return &SQLiteDataset{
		store:     store,
		writer:    NewDBWriter(store, config.Writer, logger),
		cleaner:   NewRetentionCleaner(store, config.Retention, logger),
		deviceKey: config.DeviceKey,
	}, nil
}

// Append queues a row for writing
func (d *SQLiteDataset) Append(row models.ScoredFrame) error {
	if !d.writer.Write(Record{DeviceKey: d.deviceKey, Row: row}) {
		return ErrQueueFull
	}
	return nil
}

// Load returns this device's rows, oldest first
func (d *SQLiteDataset) Load(ctx context.Context) ([]models.ScoredFrame, error) {
	d.writer.Flush()
	return d.store.LoadFrames(ctx, d.deviceKey)
}

// Store exposes the underlying database for queries
func (d *SQLiteDataset) Store() *SQLiteStore {
	return d.store
}

// WriterStats returns the async writer's statistics
func (d *SQLiteDataset) WriterStats() DBWriterStats {
	return d.writer.Stats()
}

// Close stops the background workers and closes the database
func (d *SQLiteDataset) Close() error {
	d.cleaner.Stop()
	d.writer.Stop()
	return d.store.Close()
}
