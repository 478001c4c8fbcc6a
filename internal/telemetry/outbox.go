package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/airguard/internal/models"
)

// Outbox holds outbound messages while the transport is disconnected
type Outbox struct {
	messages   []*models.Message
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      OutboxStats
}

// OutboxStats tracks outbox usage
type OutboxStats struct {
	TotalPushed   int64     `json:"total_pushed"`
	TotalDropped  int64     `json:"total_dropped"`
	HighWaterMark int       `json:"high_water_mark"`
	LastPushTime  time.Time `json:"last_push_time,omitempty"`
	LastDropTime  time.Time `json:"last_drop_time,omitempty"`
}

// NewOutbox creates an outbox with the given capacity
func NewOutbox(capacity int, dropOldest bool) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{
		messages:   make([]*models.Message, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push queues a message. Returns false if it was dropped (full and
// dropOldest is false).
func (o *Outbox) Push(msg *models.Message) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if len(o.messages) >= o.capacity {
		o.stats.TotalDropped++
		o.stats.LastDropTime = time.Now()
		if !o.dropOldest {
			return false
		}
		o.messages = o.messages[1:]
	}

	o.messages = append(o.messages, msg)
	o.stats.TotalPushed++
	o.stats.LastPushTime = time.Now()
	if len(o.messages) > o.stats.HighWaterMark {
		o.stats.HighWaterMark = len(o.messages)
	}
	return true
}

// PopBatch removes and returns up to n messages, oldest first
func (o *Outbox) PopBatch(n int) []*models.Message {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	count := min(n, len(o.messages))
	if count <= 0 {
		return nil
	}
	result := make([]*models.Message, count)
	copy(result, o.messages[:count])
	o.messages = o.messages[count:]
	return result
}

// Requeue puts messages back at the front, after a failed send. Messages
// that no longer fit are dropped from the end of msgs.
func (o *Outbox) Requeue(msgs []*models.Message) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	room := o.capacity - len(o.messages)
	if room <= 0 {
		o.stats.TotalDropped += int64(len(msgs))
		return
	}
	if len(msgs) > room {
		o.stats.TotalDropped += int64(len(msgs) - room)
		msgs = msgs[:room]
	}
	o.messages = append(append(make([]*models.Message, 0, o.capacity), msgs...), o.messages...)
}

// Size returns the number of queued messages
func (o *Outbox) Size() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return len(o.messages)
}

// IsEmpty reports whether nothing is queued
func (o *Outbox) IsEmpty() bool {
	return o.Size() == 0
}

// Capacity returns the maximum number of queued messages
func (o *Outbox) Capacity() int {
	return o.capacity
}

// Stats returns a copy of the outbox statistics
func (o *Outbox) Stats() OutboxStats {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.stats
}

func (o *Outbox) String() string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	mode := "drop-newest"
	if o.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Outbox[%d/%d, dropped: %d, mode: %s]",
		len(o.messages), o.capacity, o.stats.TotalDropped, mode)
}
