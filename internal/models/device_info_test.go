// internal/models/device_info_test.go
package models

import (
	"testing"
	"time"
)

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("device-01", "Living Room", "v1.0.0")

	if info == nil {
		t.Fatal("NewDeviceInfo returned nil")
	}
	if info.Key != "device-01" {
		t.Errorf("Key = %v, want device-01", info.Key)
	}
	if info.Location != "Living Room" {
		t.Errorf("Location = %v, want Living Room", info.Location)
	}
	if info.Version != "v1.0.0" {
		t.Errorf("Version = %v, want v1.0.0", info.Version)
	}
	if info.StartTime.IsZero() {
		t.Error("StartTime should not be zero")
	}
}

func TestDeviceInfo_Uptime(t *testing.T) {
	info := &DeviceInfo{
		Key:       "device-01",
		StartTime: time.Now().Add(-1 * time.Hour),
	}

	uptime := info.Uptime()

	// Should be approximately 1 hour (within a second tolerance)
	if uptime < 59*time.Minute || uptime > 61*time.Minute {
		t.Errorf("Uptime = %v, expected approximately 1 hour", uptime)
	}
}
