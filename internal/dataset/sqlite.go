package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// timeLayout sorts lexicographically, so range queries can compare strings
const timeLayout = "2006-01-02 15:04:05.000"

const frameColumns = `id, device_key, recorded_at, temperature, humidity, tvoc, eco2, pm25,
	mq4, mq7, mq135, air_quality, odor_level, score`

// Record is a scored frame attributed to the device that produced it
type Record struct {
	DeviceKey string             `json:"device_key"`
	Row       models.ScoredFrame `json:"row"`
}

// SQLiteStore keeps scored frames from one or more devices
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// DailyStat aggregates one device's frames over a single day
type DailyStat struct {
	Date       time.Time `json:"date"`
	DeviceKey  string    `json:"device_key"`
	MinScore   int       `json:"min_score"`
	MaxScore   int       `json:"max_score"`
	AvgScore   float64   `json:"avg_score"`
	MaxPM25    float64   `json:"max_pm25"`
	AvgECO2    float64   `json:"avg_eco2"`
	AvgTVOC    float64   `json:"avg_tvoc"`
	FrameCount int       `json:"frame_count"`
}

// StorageStats describes the database contents
type StorageStats struct {
	TotalFrames    int64     `json:"total_frames"`
	OldestFrame    time.Time `json:"oldest_frame,omitempty"`
	NewestFrame    time.Time `json:"newest_frame,omitempty"`
	UniqueDevices  int       `json:"unique_devices"`
	DatabaseSizeMB float64   `json:"database_size_mb"`
}

// NewSQLiteStore opens the database at dbPath and migrates the schema
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("SQLite store initialized")

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the schema if it doesn't exist
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_key TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		tvoc REAL NOT NULL,
		eco2 REAL NOT NULL,
		pm25 REAL NOT NULL,
		mq4 REAL NOT NULL,
		mq7 REAL NOT NULL,
		mq135 REAL NOT NULL,
		air_quality REAL NOT NULL,
		odor_level INTEGER NOT NULL,
		score INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_frames_device_time ON frames(device_key, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_frames_time ON frames(recorded_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// InsertRecord inserts a single record
func (s *SQLiteStore) InsertRecord(rec Record) error {
	return s.InsertBatch([]Record{rec})
}

// InsertBatch inserts records in a single transaction
func (s *SQLiteStore) InsertBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO frames (device_key, recorded_at, temperature, humidity, tvoc, eco2, pm25,
			mq4, mq7, mq135, air_quality, odor_level, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		f := rec.Row.Frame
		_, err := stmt.Exec(
			rec.DeviceKey,
			f.Timestamp.UTC().Format(timeLayout),
			f.Temperature, f.Humidity, f.TVOC, f.ECO2, f.PM25,
			f.MQ4, f.MQ7, f.MQ135, f.AirQuality, f.OdorLevel,
			rec.Row.Score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert frame in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Int("count", len(records)).Msg("Batch insert completed")
	return nil
}

// LoadFrames returns every frame for a device, oldest first
func (s *SQLiteStore) LoadFrames(ctx context.Context, deviceKey string) ([]models.ScoredFrame, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE device_key = ? ORDER BY recorded_at ASC, id ASC`,
		deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	records, err := s.scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return rowsOf(records), nil
}

// FramesInRange returns up to limit records within [start, end], newest
// first. An empty deviceKey matches every device.
func (s *SQLiteStore) FramesInRange(ctx context.Context, deviceKey string, start, end time.Time, limit int) ([]Record, error) {
	query := `SELECT ` + frameColumns + ` FROM frames WHERE recorded_at BETWEEN ? AND ?`
	args := []interface{}{start.UTC().Format(timeLayout), end.UTC().Format(timeLayout)}
	if deviceKey != "" {
		query += ` AND device_key = ?`
		args = append(args, deviceKey)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	return s.scanRecords(rows)
}

// FramesBefore returns up to limit records older than before, newest first
func (s *SQLiteStore) FramesBefore(ctx context.Context, deviceKey string, before time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE device_key = ? AND recorded_at < ? ORDER BY recorded_at DESC LIMIT ?`,
		deviceKey, before.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	return s.scanRecords(rows)
}

// LatestFrame returns the newest record for a device, or nil if none
func (s *SQLiteStore) LatestFrame(ctx context.Context, deviceKey string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE device_key = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`,
		deviceKey)

	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest frame: %w", err)
	}
	return rec, nil
}

// DailyStats aggregates a device's frames per day, newest day first
func (s *SQLiteStore) DailyStats(ctx context.Context, deviceKey string, start, end time.Time) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			date(recorded_at) AS day,
			device_key,
			MIN(score), MAX(score), AVG(score),
			MAX(pm25), AVG(eco2), AVG(tvoc),
			COUNT(*)
		FROM frames
		WHERE device_key = ? AND recorded_at BETWEEN ? AND ?
		GROUP BY date(recorded_at), device_key
		ORDER BY day DESC
	`, deviceKey, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var stat DailyStat
		var day string

		err := rows.Scan(
			&day,
			&stat.DeviceKey,
			&stat.MinScore, &stat.MaxScore, &stat.AvgScore,
			&stat.MaxPM25, &stat.AvgECO2, &stat.AvgTVOC,
			&stat.FrameCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}

		stat.Date, err = time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date: %w", err)
		}
		stats = append(stats, stat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return stats, nil
}

// DeleteBefore removes frames recorded before cutoff
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM frames WHERE recorded_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old frames: %w", err)
	}
	return result.RowsAffected()
}

// TrimPerDevice keeps only the newest maxRows frames of each device
func (s *SQLiteStore) TrimPerDevice(ctx context.Context, maxRows int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM frames WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY device_key ORDER BY recorded_at DESC, id DESC
				) AS rank FROM frames
			) WHERE rank > ?
		)`, maxRows)
	if err != nil {
		return 0, fmt.Errorf("failed to trim frames: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns statistics about the database
func (s *SQLiteStore) Stats() (*StorageStats, error) {
	stats := &StorageStats{}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&stats.TotalFrames); err != nil {
		return nil, fmt.Errorf("failed to count frames: %w", err)
	}
	if stats.TotalFrames == 0 {
		return stats, nil
	}

	var oldest, newest string
	err := s.db.QueryRow("SELECT MIN(recorded_at), MAX(recorded_at) FROM frames").Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get timestamp range: %w", err)
	}
	stats.OldestFrame, _ = parseTimestamp(oldest)
	stats.NewestFrame, _ = parseTimestamp(newest)

	if err := s.db.QueryRow("SELECT COUNT(DISTINCT device_key) FROM frames").Scan(&stats.UniqueDevices); err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

// DeviceKeys lists every device with stored frames
func (s *SQLiteStore) DeviceKeys() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT device_key FROM frames ORDER BY device_key")
	if err != nil {
		return nil, fmt.Errorf("failed to query device keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan device key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var (
		rec        Record
		id         int64
		recordedAt string
	)
	f := &rec.Row.Frame

	err := row.Scan(&id, &rec.DeviceKey, &recordedAt,
		&f.Temperature, &f.Humidity, &f.TVOC, &f.ECO2, &f.PM25,
		&f.MQ4, &f.MQ7, &f.MQ135, &f.AirQuality, &f.OdorLevel,
		&rec.Row.Score)
	if err != nil {
		return nil, err
	}

	f.Timestamp, err = parseTimestamp(recordedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorded_at: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

func rowsOf(records []Record) []models.ScoredFrame {
	out := make([]models.ScoredFrame, len(records))
	for i, rec := range records {
		out[i] = rec.Row
	}
	return out
}

// parseTimestamp tries the formats sqlite may hand back for a DATETIME
func parseTimestamp(ts string) (time.Time, error) {
	formats := []string{
		timeLayout,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}
