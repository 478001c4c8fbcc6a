package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// Header is the column layout of the CSV corpus
var Header = []string{
	"timestamp", "temperature", "humidity", "tvoc", "eco2", "pm25",
	"mq4", "mq7", "mq135", "air_quality", "odor_level", "score",
}

// CSVStore appends scored frames to a CSV file. The header is written
// once, when the first row lands in an empty file.
type CSVStore struct {
	path   string
	file   *os.File
	writer *csv.Writer
	logger zerolog.Logger

	mu         sync.Mutex
	needHeader bool
	appended   int64
}

var _ Store = (*CSVStore)(nil)

// NewCSVStore opens (or creates) the CSV file at path
func NewCSVStore(path string, logger zerolog.Logger) (*CSVStore, error) {
	if path == "" {
		return nil, errors.New("csv dataset path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create dataset directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat dataset: %w", err)
	}

	logger.Info().Str("path", path).Int64("bytes", info.Size()).Msg("CSV dataset opened")

	return &CSVStore{
		path:       path,
		file:       file,
		writer:     csv.NewWriter(file),
		logger:     logger,
		needHeader: info.Size() == 0,
	}, nil
}

// Append writes one row and flushes it to disk
func (s *CSVStore) Append(row models.ScoredFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("csv dataset is closed")
	}

	if s.needHeader {
		if err := s.writer.Write(Header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		s.needHeader = false
	}

	if err := s.writer.Write(encodeRow(row)); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush row: %w", err)
	}

	s.appended++
	return nil
}

// Load reads every row, oldest first. Rows that fail to parse are
// skipped and counted in the log.
func (s *CSVStore) Load(ctx context.Context) ([]models.ScoredFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	columns, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var rows []models.ScoredFrame
	skipped := 0
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		row, err := decodeRow(record, columns)
		if err != nil {
			s.logger.Debug().Err(err).Int("line", line).Msg("Skipping malformed dataset row")
			skipped++
			continue
		}
		rows = append(rows, row)
	}

	if skipped > 0 {
		s.logger.Warn().Int("skipped", skipped).Int("rows", len(rows)).Msg("Dataset contained malformed rows")
	}
	return rows, nil
}

// Appended returns the number of rows written since open
func (s *CSVStore) Appended() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// Close flushes and closes the file
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	err := errors.Join(s.writer.Error(), s.file.Close())
	s.file = nil
	return err
}

func encodeRow(row models.ScoredFrame) []string {
	f := row.Frame
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		f.Timestamp.UTC().Format(time.RFC3339Nano),
		num(f.Temperature),
		num(f.Humidity),
		num(f.TVOC),
		num(f.ECO2),
		num(f.PM25),
		num(f.MQ4),
		num(f.MQ7),
		num(f.MQ135),
		num(f.AirQuality),
		strconv.Itoa(f.OdorLevel),
		strconv.Itoa(row.Score),
	}
}

// columnIndex maps header names to positions so files with reordered
// columns still load. Every column must be present.
func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range Header {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("dataset header missing column %q", name)
		}
	}
	return index, nil
}

func decodeRow(record []string, columns map[string]int) (models.ScoredFrame, error) {
	field := func(name string) (string, error) {
		i := columns[name]
		if i >= len(record) {
			return "", fmt.Errorf("missing %s", name)
		}
		return record[i], nil
	}
	float := func(name string) (float64, error) {
		raw, err := field(name)
		if err != nil {
			return 0, err
		}
		if raw == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	var (
		row  models.ScoredFrame
		errs []error
		err  error
	)

	raw, err := field("timestamp")
	if err == nil {
		row.Frame.Timestamp, err = time.Parse(time.RFC3339Nano, raw)
	}
	errs = append(errs, err)

	targets := []struct {
		name string
		dst  *float64
	}{
		{"temperature", &row.Frame.Temperature},
		{"humidity", &row.Frame.Humidity},
		{"tvoc", &row.Frame.TVOC},
		{"eco2", &row.Frame.ECO2},
		{"pm25", &row.Frame.PM25},
		{"mq4", &row.Frame.MQ4},
		{"mq7", &row.Frame.MQ7},
		{"mq135", &row.Frame.MQ135},
		{"air_quality", &row.Frame.AirQuality},
	}
	for _, t := range targets {
		*t.dst, err = float(t.name)
		errs = append(errs, err)
	}

	odor, err := float("odor_level")
	errs = append(errs, err)
	score, err := float("score")
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return models.ScoredFrame{}, err
	}

	row.Frame = row.Frame.WithOdor(int(odor))
	row.Score = int(score)
	return row, nil
}
