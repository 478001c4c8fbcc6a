package actuator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "airguard"

// GPIOSwitch is an output line driven high for on
type GPIOSwitch struct {
	line  *gpiocdev.Line
	mutex sync.Mutex
}

// NewGPIOSwitch requests offset on chip as an output, initially low
func NewGPIOSwitch(chip string, offset int) (*GPIOSwitch, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to request %s line %d: %w", chip, offset, err)
	}
	return &GPIOSwitch{line: line}, nil
}

func (s *GPIOSwitch) Set(on bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v := 0
	if on {
		v = 1
	}
	return s.line.SetValue(v)
}

// Close drives the line low and releases it
func (s *GPIOSwitch) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.line.SetValue(0)
	return s.line.Close()
}

// PWMFan drives a fan from one output line with software PWM.
// Level n maps to a duty cycle of n/MaxFanLevel.
type PWMFan struct {
	line     *gpiocdev.Line
	period   time.Duration
	duty     chan int
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewPWMFan requests offset on chip and starts the PWM loop at frequency Hz
func NewPWMFan(chip string, offset int, frequency int, logger zerolog.Logger) (*PWMFan, error) {
	if frequency <= 0 {
		return nil, fmt.Errorf("pwm frequency must be positive, got %d", frequency)
	}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to request %s line %d: %w", chip, offset, err)
	}

	f := &PWMFan{
		line:     line,
		period:   time.Second / time.Duration(frequency),
		duty:     make(chan int, 1),
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

// SetSpeed changes the duty cycle. Only the latest pending level is kept.
func (f *PWMFan) SetSpeed(level int) error {
	level = clampLevel(level)
	select {
	case <-f.duty:
	default:
	}
	select {
	case f.duty <- level:
	case <-f.stopChan:
		return fmt.Errorf("fan closed")
	}
	return nil
}

func (f *PWMFan) run() {
	defer f.wg.Done()

	level := 0
	for {
		switch level {
		case 0, MaxFanLevel:
			// constant output, block until the level changes
			v := 0
			if level == MaxFanLevel {
				v = 1
			}
			if err := f.line.SetValue(v); err != nil {
				f.logger.Warn().Err(err).Msg("Failed to set fan line")
			}
			select {
			case level = <-f.duty:
			case <-f.stopChan:
				return
			}
		default:
			high := f.period * time.Duration(level) / MaxFanLevel
			f.line.SetValue(1)
			if !f.wait(high, &level) {
				return
			}
			f.line.SetValue(0)
			if !f.wait(f.period-high, &level) {
				return
			}
		}
	}
}

// wait sleeps for d, picking up level changes. It returns false on stop.
func (f *PWMFan) wait(d time.Duration, level *int) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case *level = <-f.duty:
		case <-f.stopChan:
			return false
		}
	}
}

// Close stops the PWM loop, drives the line low and releases it
func (f *PWMFan) Close() error {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
	f.wg.Wait()
	f.line.SetValue(0)
	return f.line.Close()
}
