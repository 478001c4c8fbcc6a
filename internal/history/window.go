// Package history keeps the bounded sliding window of recent scored frames
// that the forecaster consumes.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/afroash/airguard/internal/models"
)

// ErrInsufficientHistory is returned when the window holds fewer frames than requested
var ErrInsufficientHistory = errors.New("insufficient history")

// Window is a thread-safe FIFO of the last N scored frames.
// When full, appending evicts the oldest frame.
type Window struct {
	frames   []models.ScoredFrame
	capacity int
	mutex    sync.RWMutex
	stats    WindowStats
}

// WindowStats tracks window usage
type WindowStats struct {
	TotalAppended int64
	TotalEvicted  int64
	LastAppend    time.Time
}

// NewWindow creates an empty window holding at most capacity frames
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		frames:   make([]models.ScoredFrame, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a frame as the newest entry
func (w *Window) Append(frame models.ScoredFrame) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if len(w.frames) >= w.capacity {
		// shift in place so the backing array never grows
		copy(w.frames, w.frames[1:])
		w.frames = w.frames[:len(w.frames)-1]
		w.stats.TotalEvicted++
	}
	w.frames = append(w.frames, frame)
	w.stats.TotalAppended++
	w.stats.LastAppend = time.Now()
}

// Snapshot returns copies of the last k frames, oldest first.
// It fails with ErrInsufficientHistory when fewer than k frames are held.
func (w *Window) Snapshot(k int) ([]models.ScoredFrame, error) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if k <= 0 {
		return nil, fmt.Errorf("snapshot size must be positive, got %d", k)
	}
	if len(w.frames) < k {
		return nil, fmt.Errorf("%w: have %d of %d frames", ErrInsufficientHistory, len(w.frames), k)
	}

	result := make([]models.ScoredFrame, k)
	copy(result, w.frames[len(w.frames)-k:])
	return result, nil
}

// At returns the frame at a negative offset from the newest entry:
// -1 is the newest, -2 the one before it.
func (w *Window) At(offset int) (models.ScoredFrame, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	idx := len(w.frames) + offset
	if offset >= 0 || idx < 0 {
		return models.ScoredFrame{}, false
	}
	return w.frames[idx], true
}

// Latest returns the newest frame
func (w *Window) Latest() (models.ScoredFrame, bool) {
	return w.At(-1)
}

// Len returns the number of frames held
func (w *Window) Len() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.frames)
}

// IsFull reports whether at least n frames are held
func (w *Window) IsFull(n int) bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.frames) >= n
}

// Capacity returns the maximum number of frames held
func (w *Window) Capacity() int {
	return w.capacity
}

// Stats returns a copy of the usage counters
func (w *Window) Stats() WindowStats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.stats
}

func (w *Window) String() string {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return fmt.Sprintf("Window[%d/%d, evicted: %d]", len(w.frames), w.capacity, w.stats.TotalEvicted)
}
