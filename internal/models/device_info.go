package models

import "time"

// DeviceInfo describes the air-quality unit running the control loop
type DeviceInfo struct {
	Key       string    `json:"device_key"`
	Location  string    `json:"location"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
}

// Uptime returns the duration since the device process started
func (d *DeviceInfo) Uptime() time.Duration {
	return time.Since(d.StartTime)
}

// NewDeviceInfo creates a new DeviceInfo with the current time as start time
func NewDeviceInfo(key, location, version string) *DeviceInfo {
	return &DeviceInfo{
		Key:       key,
		Location:  location,
		Version:   version,
		StartTime: time.Now(),
	}
}
