package actuator

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingFan records every speed it is set to
type recordingFan struct {
	speeds []int
	err    error
}

func (f *recordingFan) SetSpeed(level int) error {
	if f.err != nil {
		return f.err
	}
	f.speeds = append(f.speeds, level)
	return nil
}

func (f *recordingFan) last() int {
	if len(f.speeds) == 0 {
		return -1
	}
	return f.speeds[len(f.speeds)-1]
}

type recordingSwitch struct {
	on    bool
	calls int
}

func (s *recordingSwitch) Set(on bool) error {
	s.on = on
	s.calls++
	return nil
}

type diffuserRig struct {
	d   *Diffuser
	fan *recordingFan
	ch1 *recordingSwitch
	ch2 *recordingSwitch
}

func newDiffuserRig(channel int) diffuserRig {
	r := diffuserRig{fan: &recordingFan{}, ch1: &recordingSwitch{}, ch2: &recordingSwitch{}}
	r.d = NewDiffuser(DiffuserConfig{
		Period:        300 * time.Second,
		PulseDuration: 5 * time.Second,
		AssistSpeed:   1,
		Channel:       channel,
	}, r.fan, r.ch1, r.ch2, zerolog.Nop())
	return r
}

func TestDiffuser_DisabledStaysIdle(t *testing.T) {
	r := newDiffuserRig(1)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if err := r.d.Tick(now.Add(time.Duration(i) * time.Minute)); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}

	if r.d.State() != DiffuserIdle {
		t.Errorf("State = %s, want idle", r.d.State())
	}
	if r.ch1.calls != 0 || r.ch2.calls != 0 {
		t.Error("disabled diffuser must not touch the channels")
	}
}

func TestDiffuser_PulseCycle(t *testing.T) {
	r := newDiffuserRig(1)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r.d.Enable()
	r.d.Tick(t0)

	if r.d.State() != DiffuserPulsing {
		t.Fatalf("State after enable+tick = %s, want pulsing", r.d.State())
	}
	if !r.ch1.on || r.ch2.on {
		t.Errorf("channels = %v/%v, want channel 1 only", r.ch1.on, r.ch2.on)
	}
	if r.fan.last() != 1 {
		t.Errorf("assist fan = %d, want 1", r.fan.last())
	}

	r.d.Tick(t0.Add(4 * time.Second))
	if r.d.State() != DiffuserPulsing {
		t.Error("pulse should last the full duration")
	}

	r.d.Tick(t0.Add(5 * time.Second))
	if r.d.State() != DiffuserIdle {
		t.Fatalf("State after 5s = %s, want idle", r.d.State())
	}
	if r.ch1.on || r.ch2.on || r.fan.last() != 0 {
		t.Error("outputs should be off after the pulse")
	}

	r.d.Tick(t0.Add(299 * time.Second))
	if r.d.State() != DiffuserIdle {
		t.Error("next pulse must wait for the full period")
	}

	r.d.Tick(t0.Add(300 * time.Second))
	if r.d.State() != DiffuserPulsing {
		t.Error("next pulse should start after the period")
	}
}

func TestDiffuser_DisableStopsImmediately(t *testing.T) {
	r := newDiffuserRig(2)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r.d.Enable()
	r.d.Tick(t0)
	if !r.ch2.on {
		t.Fatal("channel 2 should be on")
	}

	if err := r.d.Disable(); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	if r.d.State() != DiffuserIdle {
		t.Errorf("State = %s, want idle", r.d.State())
	}
	if r.ch1.on || r.ch2.on || r.fan.last() != 0 {
		t.Error("disable should switch every output off at once")
	}

	r.d.Tick(t0.Add(time.Hour))
	if r.d.State() != DiffuserIdle {
		t.Error("disabled diffuser must stay idle")
	}
}

func TestDiffuser_ReenableFiresImmediately(t *testing.T) {
	r := newDiffuserRig(1)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r.d.Enable()
	r.d.Tick(t0)
	r.d.Tick(t0.Add(5 * time.Second))
	r.d.Disable()

	r.d.Enable()
	r.d.Tick(t0.Add(10 * time.Second))

	if r.d.State() != DiffuserPulsing {
		t.Error("re-enabling should fire the first pulse on the next tick")
	}
}

func TestDiffuser_EnableWhileEnabledKeepsTimer(t *testing.T) {
	r := newDiffuserRig(1)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r.d.Enable()
	r.d.Tick(t0)
	r.d.Tick(t0.Add(5 * time.Second))

	r.d.Enable()
	r.d.Tick(t0.Add(10 * time.Second))

	if r.d.State() != DiffuserIdle {
		t.Error("repeated enable must not restart the period")
	}
}

func TestDiffuser_Setters(t *testing.T) {
	r := newDiffuserRig(1)

	if err := r.d.SetChannel(3); err == nil {
		t.Error("SetChannel(3) should fail")
	}
	if err := r.d.SetAssistSpeed(5); err == nil {
		t.Error("SetAssistSpeed(5) should fail")
	}
	if err := r.d.SetPeriod(0); err == nil {
		t.Error("SetPeriod(0) should fail")
	}

	r.d.SetChannel(2)
	r.d.SetAssistSpeed(3)
	r.d.SetPeriod(time.Minute)

	cfg := r.d.Config()
	if cfg.Channel != 2 || cfg.AssistSpeed != 3 || cfg.Period != time.Minute {
		t.Errorf("Config = %+v", cfg)
	}
}

func TestDiffuser_OutputErrorsReported(t *testing.T) {
	r := newDiffuserRig(1)
	r.fan.err = errors.New("line busy")

	r.d.Enable()
	err := r.d.Tick(time.Now())

	if err == nil {
		t.Fatal("expected error from assist fan")
	}
	if r.d.State() != DiffuserPulsing {
		t.Error("state should still advance when an output fails")
	}
}

func TestDiffuserState_String(t *testing.T) {
	if DiffuserIdle.String() != "idle" || DiffuserPulsing.String() != "pulsing" {
		t.Error("unexpected state names")
	}
	if DiffuserState(9).String() != "unknown" {
		t.Error("unknown state should stringify as unknown")
	}
}
