// Package actuator drives the purifier fan and the scent diffuser.
package actuator

import (
	"math"
	"sync"
)

// MaxFanLevel is the highest fan speed level
const MaxFanLevel = 4

// Fan is a fan with discrete speed levels 0..MaxFanLevel
type Fan interface {
	SetSpeed(level int) error
}

// Switch is a single on/off output such as an emission channel
type Switch interface {
	Set(on bool) error
}

// FanLevel maps a forecast air-quality index (1 clean .. 4 poor) to a fan
// speed level. Rounds half to even, then clamps to 0..MaxFanLevel.
func FanLevel(quality float64) int {
	if math.IsNaN(quality) {
		return 0
	}
	level := math.RoundToEven((quality - 1) / 3 * MaxFanLevel)
	if level < 0 {
		return 0
	}
	if level > MaxFanLevel {
		return MaxFanLevel
	}
	return int(level)
}

func clampLevel(level int) int {
	return max(0, min(MaxFanLevel, level))
}

// NopFan records the last speed and drives nothing
type NopFan struct {
	mutex sync.Mutex
	level int
}

func (f *NopFan) SetSpeed(level int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.level = clampLevel(level)
	return nil
}

// Level returns the last speed set
func (f *NopFan) Level() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.level
}

// NopSwitch records the last state and drives nothing
type NopSwitch struct {
	mutex sync.Mutex
	on    bool
}

func (s *NopSwitch) Set(on bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.on = on
	return nil
}

// On returns the last state set
func (s *NopSwitch) On() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.on
}
