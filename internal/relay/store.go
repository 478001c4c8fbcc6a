package relay

import (
	"slices"
	"sync"
	"time"

	"github.com/afroash/airguard/internal/models"
)

// Report is one sensor_data payload as received by the relay
type Report struct {
	models.SensorDataMessage
	ReceivedAt time.Time `json:"received_at"`
}

// MemoryStore keeps the most recent reports per device in a ring
type MemoryStore struct {
	capacity     int
	data         map[string][]Report
	mutex        sync.RWMutex
	totalReports int64
}

// StoreStats contains statistics about the memory store
type StoreStats struct {
	TotalReports   int64 `json:"total_reports"`
	UniqueDevices  int   `json:"unique_devices"`
	CurrentReports int   `json:"current_reports"`
}

// NewMemoryStore creates a store holding up to capacity reports per device
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryStore{
		capacity: capacity,
		data:     make(map[string][]Report),
	}
}

// Add appends a report for its device, evicting the oldest when full
func (ms *MemoryStore) Add(report Report) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	reports := ms.data[report.DeviceKey]
	if len(reports) >= ms.capacity {
		reports = reports[1:]
	}
	ms.data[report.DeviceKey] = append(reports, report)
	ms.totalReports++
}

// Latest returns the n most recent reports for a device, newest first
func (ms *MemoryStore) Latest(deviceKey string, n int) []Report {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	reports := ms.data[deviceKey]
	if len(reports) == 0 || n <= 0 {
		return nil
	}
	start := max(len(reports)-n, 0)

	result := make([]Report, 0, len(reports)-start)
	for i := len(reports) - 1; i >= start; i-- {
		result = append(result, reports[i])
	}
	return result
}

// Current returns the most recent report for a device
func (ms *MemoryStore) Current(deviceKey string) (Report, bool) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	reports := ms.data[deviceKey]
	if len(reports) == 0 {
		return Report{}, false
	}
	return reports[len(reports)-1], true
}

// DeviceKeys returns the sorted keys of devices that have reported
func (ms *MemoryStore) DeviceKeys() []string {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	keys := make([]string, 0, len(ms.data))
	for key := range ms.data {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Stats returns statistics about the store
func (ms *MemoryStore) Stats() StoreStats {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	current := 0
	for _, reports := range ms.data {
		current += len(reports)
	}
	return StoreStats{
		TotalReports:   ms.totalReports,
		UniqueDevices:  len(ms.data),
		CurrentReports: current,
	}
}
