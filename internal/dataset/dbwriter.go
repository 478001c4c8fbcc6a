package dataset

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DBWriterConfig holds configuration for the async writer
type DBWriterConfig struct {
	BatchSize   int           // records per insert (default: 50)
	FlushPeriod time.Duration // max time a record waits (default: 10s)
	ChannelSize int           // queue capacity (default: 1000)
	MaxRetained int           // failed records kept for the next attempt (default: 10 batches)
}

// DefaultDBWriterConfig returns sensible defaults
func DefaultDBWriterConfig() DBWriterConfig {
	return DBWriterConfig{
		BatchSize:   50,
		FlushPeriod: 10 * time.Second,
		ChannelSize: 1000,
		MaxRetained: 500,
	}
}

// DBWriterStats counts writer activity
type DBWriterStats struct {
	Written     int64     `json:"written"`
	Batches     int64     `json:"batches"`
	Errors      int64     `json:"errors"`
	Dropped     int64     `json:"dropped"`
	Retained    int       `json:"retained"`
	LastWrite   time.Time `json:"last_write,omitempty"`
	QueueLength int       `json:"queue_length"`
}

type batchInserter interface {
	InsertBatch(records []Record) error
}

// DBWriter batches records into the store off the caller's goroutine.
// A batch that fails to insert is kept and retried with the next one;
// past MaxRetained the oldest records are dropped.
type DBWriter struct {
	store  batchInserter
	config DBWriterConfig
	logger zerolog.Logger

	queue    chan Record
	flushReq chan chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mutex sync.Mutex
	stats DBWriterStats
}

// NewDBWriter creates and starts an async writer
func NewDBWriter(store *SQLiteStore, config DBWriterConfig, logger zerolog.Logger) *DBWriter {
	return newDBWriter(store, config, logger)
}

func newDBWriter(store batchInserter, config DBWriterConfig, logger zerolog.Logger) *DBWriter {
	defaults := DefaultDBWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = defaults.FlushPeriod
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaults.ChannelSize
	}
	if config.MaxRetained < config.BatchSize {
		config.MaxRetained = 10 * config.BatchSize
	}

	w := &DBWriter{
		store:    store,
		config:   config,
		logger:   logger,
		queue:    make(chan Record, config.ChannelSize),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()

	logger.Info().
		Int("batch_size", config.BatchSize).
		Dur("flush_period", config.FlushPeriod).
		Int("channel_size", config.ChannelSize).
		Msg("DBWriter started")
	return w
}

// Write queues a record. Returns false if the queue is full and the
// record was dropped.
func (w *DBWriter) Write(rec Record) bool {
	select {
	case w.queue <- rec:
		return true
	default:
		w.mutex.Lock()
		w.stats.Dropped++
		w.mutex.Unlock()
		w.logger.Warn().Str("device_key", rec.DeviceKey).Msg("DBWriter queue full, dropping frame")
		return false
	}
}

// Flush blocks until every record queued before the call has been tried
func (w *DBWriter) Flush() {
	ack := make(chan struct{})
	select {
	case w.flushReq <- ack:
		<-ack
	case <-w.done:
	}
}

func (w *DBWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.FlushPeriod)
	defer ticker.Stop()

	pending := make([]Record, 0, w.config.BatchSize)
	for {
		select {
		case rec := <-w.queue:
			pending = append(pending, rec)
			if len(pending) >= w.config.BatchSize {
				pending = w.write(pending)
			}
		case <-ticker.C:
			pending = w.write(pending)
		case ack := <-w.flushReq:
			pending = w.write(w.drain(pending))
			close(ack)
		case <-w.stop:
			pending = w.write(w.drain(pending))
			if len(pending) > 0 {
				w.mutex.Lock()
				w.stats.Dropped += int64(len(pending))
				w.stats.Retained = 0
				w.mutex.Unlock()
				w.logger.Error().Int("lost", len(pending)).Msg("DBWriter stopped with unwritten frames")
				return
			}
			w.logger.Info().Msg("DBWriter stopped")
			return
		}
	}
}

func (w *DBWriter) drain(pending []Record) []Record {
	for {
		select {
		case rec := <-w.queue:
			pending = append(pending, rec)
		default:
			return pending
		}
	}
}

// write inserts pending and returns what is left for the next attempt
func (w *DBWriter) write(pending []Record) []Record {
	if len(pending) == 0 {
		return pending
	}

	err := w.store.InsertBatch(pending)

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err == nil {
		w.stats.Written += int64(len(pending))
		w.stats.Batches++
		w.stats.LastWrite = time.Now()
		w.stats.Retained = 0
		w.logger.Debug().Int("count", len(pending)).Msg("Flushed batch")
		return pending[:0]
	}

	w.stats.Errors++
	if over := len(pending) - w.config.MaxRetained; over > 0 {
		w.stats.Dropped += int64(over)
		pending = pending[over:]
	}
	w.stats.Retained = len(pending)
	w.logger.Error().Err(err).Int("retained", len(pending)).Msg("Failed to write batch, will retry")
	return pending
}

// Stop writes anything queued and stops the writer
func (w *DBWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

// Stats returns a copy of the writer statistics
func (w *DBWriter) Stats() DBWriterStats {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	s := w.stats
	s.QueueLength = len(w.queue)
	return s
}
