package dataset

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func setupTestDBWriter(t *testing.T, config DBWriterConfig) (*SQLiteStore, *DBWriter) {
	t.Helper()

	store := setupTestDB(t)
	writer := NewDBWriter(store, config, zerolog.Nop())
	t.Cleanup(writer.Stop)
	return store, writer
}

func totalFrames(t *testing.T, store *SQLiteStore) int64 {
	t.Helper()
	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	return stats.TotalFrames
}

func TestNewDBWriter_Defaults(t *testing.T) {
	_, writer := setupTestDBWriter(t, DBWriterConfig{})

	if writer.config.BatchSize != 50 || writer.config.FlushPeriod != 10*time.Second || cap(writer.queue) != 1000 {
		t.Errorf("defaults not applied: %+v", writer.config)
	}
	if writer.config.MaxRetained != 500 {
		t.Errorf("MaxRetained = %d, want 500", writer.config.MaxRetained)
	}
}

func TestDBWriter_BatchFlush(t *testing.T) {
	store, writer := setupTestDBWriter(t, DBWriterConfig{
		BatchSize:   10,
		FlushPeriod: time.Hour,
		ChannelSize: 100,
	})

	for i := 0; i < 10; i++ {
		writer.Write(testRecord("dev-1", i, time.Now().UTC()))
	}

	deadline := time.Now().Add(2 * time.Second)
	for writer.Stats().Batches == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := totalFrames(t, store); got != 10 {
		t.Errorf("TotalFrames = %d, want 10", got)
	}
	stats := writer.Stats()
	if stats.Written != 10 || stats.Batches != 1 {
		t.Errorf("writer stats = %+v", stats)
	}
}

func TestDBWriter_PeriodicFlush(t *testing.T) {
	store, writer := setupTestDBWriter(t, DBWriterConfig{
		BatchSize:   100,
		FlushPeriod: 50 * time.Millisecond,
		ChannelSize: 100,
	})

	for i := 0; i < 5; i++ {
		writer.Write(testRecord("dev-1", i, time.Now().UTC()))
	}

	time.Sleep(200 * time.Millisecond)

	if got := totalFrames(t, store); got != 5 {
		t.Errorf("TotalFrames = %d, want 5", got)
	}
}

func TestDBWriter_Flush(t *testing.T) {
	store, writer := setupTestDBWriter(t, DBWriterConfig{
		BatchSize:   100,
		FlushPeriod: time.Hour,
		ChannelSize: 100,
	})

	for i := 0; i < 7; i++ {
		writer.Write(testRecord("dev-1", i, time.Now().UTC()))
	}
	writer.Flush()

	if got := totalFrames(t, store); got != 7 {
		t.Errorf("TotalFrames after Flush = %d, want 7", got)
	}
}

func TestDBWriter_StopFlushesAndIsIdempotent(t *testing.T) {
	store, writer := setupTestDBWriter(t, DBWriterConfig{
		BatchSize:   100,
		FlushPeriod: time.Hour,
		ChannelSize: 100,
	})

	for i := 0; i < 15; i++ {
		writer.Write(testRecord("dev-1", i, time.Now().UTC()))
	}

	writer.Stop()
	writer.Stop()
	writer.Flush() // must not block after stop

	if got := totalFrames(t, store); got != 15 {
		t.Errorf("TotalFrames = %d, want 15 (remaining should be flushed on stop)", got)
	}
}

func TestDBWriter_ConcurrentWrites(t *testing.T) {
	store, writer := setupTestDBWriter(t, DBWriterConfig{
		BatchSize:   25,
		FlushPeriod: 20 * time.Millisecond,
		ChannelSize: 1000,
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				writer.Write(testRecord("dev-1", i, time.Now().UTC()))
			}
		}()
	}
	wg.Wait()
	writer.Flush()

	if got := totalFrames(t, store); got != 200 {
		t.Errorf("TotalFrames = %d, want 200", got)
	}
	if writer.Stats().Errors != 0 {
		t.Error("unexpected write errors")
	}
}

// flakyInserter fails the first failures calls
type flakyInserter struct {
	mu       sync.Mutex
	failures int
	inserted []Record
}

func (f *flakyInserter) InsertBatch(records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("database is locked")
	}
	f.inserted = append(f.inserted, records...)
	return nil
}

func (f *flakyInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func TestDBWriter_RetriesFailedBatch(t *testing.T) {
	store := &flakyInserter{failures: 1}
	writer := newDBWriter(store, DBWriterConfig{BatchSize: 10, FlushPeriod: time.Hour, ChannelSize: 100}, zerolog.Nop())
	defer writer.Stop()

	for i := 0; i < 5; i++ {
		writer.Write(testRecord("dev-1", i, time.Now().UTC()))
	}
	writer.Flush()

	if stats := writer.Stats(); stats.Errors != 1 || stats.Retained != 5 {
		t.Fatalf("after failure stats = %+v", stats)
	}

	writer.Write(testRecord("dev-1", 5, time.Now().UTC()))
	writer.Flush()

	if got := store.count(); got != 6 {
		t.Errorf("inserted %d records, want 6", got)
	}
	if stats := writer.Stats(); stats.Written != 6 || stats.Retained != 0 || stats.Dropped != 0 {
		t.Errorf("after retry stats = %+v", stats)
	}
	if store.inserted[0].Row.Score != 0 {
		t.Error("retained records should be written first")
	}
}

func TestDBWriter_RetainedCap(t *testing.T) {
	store := &flakyInserter{failures: 10}
	writer := newDBWriter(store, DBWriterConfig{
		BatchSize:   4,
		FlushPeriod: time.Hour,
		ChannelSize: 100,
		MaxRetained: 6,
	}, zerolog.Nop())
	defer writer.Stop()

	for i := 0; i < 12; i++ {
		writer.Write(testRecord("dev-1", i, time.Now().UTC()))
		writer.Flush()
	}

	stats := writer.Stats()
	if stats.Dropped == 0 {
		t.Errorf("expected drops past MaxRetained, stats = %+v", stats)
	}
	if int64(store.count())+stats.Dropped != 12 {
		t.Errorf("inserted %d + dropped %d != 12", store.count(), stats.Dropped)
	}
}

func BenchmarkDBWriter_Write(b *testing.B) {
	store, err := NewSQLiteStore(b.TempDir()+"/bench.db", zerolog.Nop())
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()

	writer := NewDBWriter(store, DefaultDBWriterConfig(), zerolog.Nop())
	defer writer.Stop()

	rec := testRecord("dev-1", 80, time.Now().UTC())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		writer.Write(rec)
	}
}
