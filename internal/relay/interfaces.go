package relay

import (
	"context"
	"time"

	"github.com/afroash/airguard/internal/dataset"
)

// HistoryStore is the persistent frame history behind the API.
// dataset.SQLiteStore implements it.
type HistoryStore interface {
	FramesInRange(ctx context.Context, deviceKey string, start, end time.Time, limit int) ([]dataset.Record, error)
	FramesBefore(ctx context.Context, deviceKey string, before time.Time, limit int) ([]dataset.Record, error)
	LatestFrame(ctx context.Context, deviceKey string) (*dataset.Record, error)
	DailyStats(ctx context.Context, deviceKey string, start, end time.Time) ([]dataset.DailyStat, error)
	Stats() (*dataset.StorageStats, error)
}

// Recorder persists reports asynchronously. dataset.DBWriter implements it.
type Recorder interface {
	Write(rec dataset.Record) bool
}

var (
	_ HistoryStore = (*dataset.SQLiteStore)(nil)
	_ Recorder     = (*dataset.DBWriter)(nil)
)
