package odor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/afroash/airguard/internal/models"
)

// LabelColumn holds the odor level of a labeled row
const LabelColumn = "odor_level"

// column aliases accepted when reading labeled files
var aliases = map[string]string{
	"pm2.5":       "pm25",
	"smell_level": LabelColumn,
}

// ReadSamples parses a labeled CSV. The header must name every feature
// column and odor_level; other columns are ignored, so a dataset file
// with hand-set odor levels can be read directly. Blank or malformed
// rows are skipped and counted.
func ReadSamples(r io.Reader) (samples []Sample, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, errors.New("labeled file is empty")
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		index[name] = i
	}
	for _, name := range append(slices.Clone(FeatureNames), LabelColumn) {
		if _, ok := index[name]; !ok {
			return nil, 0, fmt.Errorf("labeled file missing column %q", name)
		}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		s, err := decodeSample(record, index)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, s)
	}
	return samples, skipped, nil
}

func decodeSample(record []string, index map[string]int) (Sample, error) {
	values := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		col := index[name]
		if col >= len(record) {
			return Sample{}, fmt.Errorf("missing %s", name)
		}
		v, err := strconv.ParseFloat(record[col], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%s: %w", name, err)
		}
		values[i] = v
	}

	col := index[LabelColumn]
	if col >= len(record) {
		return Sample{}, errors.New("missing label")
	}
	level, err := strconv.Atoi(record[col])
	if err != nil {
		return Sample{}, fmt.Errorf("label: %w", err)
	}
	if level < models.OdorNone || level > models.OdorStrong {
		return Sample{}, fmt.Errorf("label %d out of range", level)
	}

	return Sample{
		Gas: models.GasSample{
			TVOC: values[0], ECO2: values[1], PM25: values[2],
			MQ4: values[3], MQ7: values[4], MQ135: values[5],
		},
		Level: level,
	}, nil
}

// AppendSamples adds labeled rows to path, writing the header when the
// file is new or empty
func AppendSamples(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create label directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open labeled file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(file)
	if info.Size() == 0 {
		w.Write(append(slices.Clone(FeatureNames), LabelColumn))
	}
	for _, s := range samples {
		row := make([]string, 0, len(FeatureNames)+1)
		for _, v := range s.Gas.Values() {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		row = append(row, strconv.Itoa(s.Level))
		w.Write(row)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write labeled rows: %w", err)
	}
	return nil
}

// LevelCounts returns how many samples carry each level
func LevelCounts(samples []Sample) map[int]int {
	counts := make(map[int]int)
	for _, s := range samples {
		counts[s.Level]++
	}
	return counts
}

// TrainReport summarizes a classifier fit
type TrainReport struct {
	Samples  int
	Levels   map[int]int
	Accuracy float64 // on the training samples
}

// Train fits a classifier from labeled samples and saves it to path.
// Samples of at least two levels are required.
func Train(samples []Sample, path string) (*Centroid, TrainReport, error) {
	report := TrainReport{Samples: len(samples), Levels: LevelCounts(samples)}
	if len(report.Levels) < 2 {
		return nil, report, fmt.Errorf("need samples of at least two odor levels, got %v", report.Levels)
	}

	c, err := Fit(samples)
	if err != nil {
		return nil, report, err
	}
	report.Accuracy = c.Accuracy(samples)

	if err := c.Save(path); err != nil {
		return nil, report, err
	}
	return c, report, nil
}
