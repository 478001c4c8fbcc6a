package actuator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/afroash/airguard/internal/models"
	"github.com/rs/zerolog"
)

type controllerRig struct {
	c        *Controller
	purifier *recordingFan
	diffuser diffuserRig
}

func newControllerRig(settings Settings) controllerRig {
	r := controllerRig{purifier: &recordingFan{}, diffuser: newDiffuserRig(1)}
	r.c = NewController(settings, r.purifier, r.diffuser.d, zerolog.Nop())
	return r
}

func forecast(quality float64) *models.SharedPrediction {
	return &models.SharedPrediction{HasForecast: true, PredictedQuality: quality, PredictedScore: 90}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.Local)
}

func TestFanLevel(t *testing.T) {
	tests := []struct {
		quality float64
		want    int
	}{
		{1, 0},
		{2.5, 2},
		{4, 4},
		{0, 0},
		{-3, 0},
		{5, 4},
		{1.375, 0}, // 0.5 rounds to even
		{2.125, 2}, // 1.5 rounds to even
		{3.25, 3},
	}

	for _, tt := range tests {
		if got := FanLevel(tt.quality); got != tt.want {
			t.Errorf("FanLevel(%v) = %d, want %d", tt.quality, got, tt.want)
		}
	}
}

func TestController_AutoNoForecastIsSafeIdle(t *testing.T) {
	r := newControllerRig(Settings{Mode: models.ModeAuto})
	r.c.Execute(SettingDiffuserOn, json.RawMessage(`true`))

	if err := r.c.Apply(nil, models.OdorStrong, at(12, 0)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if r.purifier.last() != 0 {
		t.Errorf("purifier = %d, want 0", r.purifier.last())
	}
	if r.diffuser.d.State() != DiffuserIdle || r.diffuser.d.Enabled() {
		t.Error("diffuser should be forced idle without a forecast")
	}

	r.c.Apply(models.WaitingPrediction("collecting history"), models.OdorStrong, at(12, 1))
	if r.diffuser.d.State() != DiffuserIdle {
		t.Error("waiting prediction must not drive the diffuser")
	}
}

func TestController_AutoFollowsForecast(t *testing.T) {
	r := newControllerRig(Settings{Mode: models.ModeAuto})

	r.c.Apply(forecast(4), models.OdorNone, at(12, 0))
	if r.purifier.last() != 4 {
		t.Errorf("purifier = %d, want 4", r.purifier.last())
	}
	if r.diffuser.d.Enabled() {
		t.Error("diffuser should stay off without odor")
	}

	r.c.Apply(forecast(2.5), models.OdorStrong, at(12, 0))
	if r.purifier.last() != 2 {
		t.Errorf("purifier = %d, want 2", r.purifier.last())
	}
	if r.diffuser.d.State() != DiffuserPulsing {
		t.Error("strong odor should start a diffuser pulse")
	}

	r.c.Apply(forecast(2.5), models.OdorMild, at(12, 0))
	if r.diffuser.d.Enabled() || r.diffuser.d.State() != DiffuserIdle {
		t.Error("diffuser should stop when odor drops")
	}
}

func TestController_FanOnlyWrittenOnChange(t *testing.T) {
	r := newControllerRig(Settings{Mode: models.ModeAuto})

	for i := 0; i < 5; i++ {
		r.c.Apply(forecast(4), models.OdorNone, at(12, i))
	}

	if len(r.purifier.speeds) != 1 {
		t.Errorf("purifier written %d times, want 1", len(r.purifier.speeds))
	}
}

func TestController_ManualSchedule(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		now      time.Time
		want     int
	}{
		{"off", Settings{PurifierOn: false, PurifierSpeed: 3, AutoOn: 0, AutoOff: 1439}, at(12, 0), 0},
		{"inside window", Settings{PurifierOn: true, PurifierSpeed: 3, AutoOn: 8 * 60, AutoOff: 18 * 60}, at(12, 0), 3},
		{"at start", Settings{PurifierOn: true, PurifierSpeed: 3, AutoOn: 8 * 60, AutoOff: 18 * 60}, at(8, 0), 3},
		{"end exclusive", Settings{PurifierOn: true, PurifierSpeed: 3, AutoOn: 8 * 60, AutoOff: 18 * 60}, at(18, 0), 0},
		{"before window", Settings{PurifierOn: true, PurifierSpeed: 3, AutoOn: 8 * 60, AutoOff: 18 * 60}, at(7, 59), 0},
		{"overnight late", Settings{PurifierOn: true, PurifierSpeed: 2, AutoOn: 22 * 60, AutoOff: 6 * 60}, at(23, 0), 2},
		{"overnight early", Settings{PurifierOn: true, PurifierSpeed: 2, AutoOn: 22 * 60, AutoOff: 6 * 60}, at(5, 0), 2},
		{"overnight midday", Settings{PurifierOn: true, PurifierSpeed: 2, AutoOn: 22 * 60, AutoOff: 6 * 60}, at(12, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newControllerRig(tt.settings)
			r.c.Apply(forecast(4), models.OdorStrong, tt.now)
			if r.purifier.last() != tt.want {
				t.Errorf("purifier = %d, want %d", r.purifier.last(), tt.want)
			}
		})
	}
}

func TestController_ManualIgnoresOdor(t *testing.T) {
	r := newControllerRig(Settings{Mode: models.ModeManual})

	r.c.Apply(forecast(4), models.OdorStrong, at(12, 0))

	if r.diffuser.d.Enabled() {
		t.Error("manual mode should not enable the diffuser from odor")
	}
}

func TestController_Execute(t *testing.T) {
	r := newControllerRig(Settings{})

	commands := []struct {
		setting string
		state   string
	}{
		{SettingPurifierOn, `true`},
		{SettingPurifierSpeed, `3`},
		{SettingPurifierAutoOn, `480`},
		{SettingPurifierAutoOff, `1080`},
		{SettingPurifierMode, `1`},
		{SettingDiffuserSpeed, `2`},
		{SettingDiffuserPeriod, `120`},
		{SettingDiffuserType, `2`},
		{SettingDiffuserMode, `1`},
		{SettingDiffuserOn, `1`},
	}
	for _, cmd := range commands {
		if err := r.c.Execute(cmd.setting, json.RawMessage(cmd.state)); err != nil {
			t.Fatalf("Execute(%s, %s) failed: %v", cmd.setting, cmd.state, err)
		}
	}

	got := r.c.Status()
	want := models.DeviceStatus{
		PurifierOn:      true,
		PurifierSpeed:   3,
		PurifierAutoOn:  480,
		PurifierAutoOff: 1080,
		PurifierMode:    models.ModeAuto,
		DiffuserOn:      true,
		DiffuserSpeed:   2,
		DiffuserPeriod:  120,
		DiffuserType:    2,
		DiffuserMode:    1,
	}
	if got != want {
		t.Errorf("Status() = %+v\nwant       %+v", got, want)
	}
	if r.c.Mode() != models.ModeAuto {
		t.Errorf("Mode = %s, want auto", r.c.Mode())
	}
}

func TestController_ExecuteErrors(t *testing.T) {
	r := newControllerRig(Settings{})

	tests := []struct {
		setting string
		state   string
	}{
		{SettingPurifierSpeed, `9`},
		{SettingPurifierSpeed, `"fast"`},
		{SettingPurifierSpeed, `1.5`},
		{SettingPurifierAutoOn, `1440`},
		{SettingPurifierAutoOff, `1441`},
		{SettingPurifierAutoOff, `-1`},
		{SettingPurifierMode, `7`},
		{SettingDiffuserType, `3`},
		{SettingDiffuserPeriod, `0`},
		{SettingPurifierOn, `"yes"`},
	}

	for _, tt := range tests {
		if err := r.c.Execute(tt.setting, json.RawMessage(tt.state)); err == nil {
			t.Errorf("Execute(%s, %s) should fail", tt.setting, tt.state)
		}
	}

	err := r.c.Execute("selfDestruct", json.RawMessage(`true`))
	if !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("unknown setting error = %v, want ErrUnknownSetting", err)
	}
}

func TestController_AutoOffMidnight(t *testing.T) {
	r := newControllerRig(Settings{PurifierOn: true, PurifierSpeed: 2, AutoOn: 8 * 60, AutoOff: 18 * 60})

	if err := r.c.Execute(SettingPurifierAutoOn, json.RawMessage(`0`)); err != nil {
		t.Fatalf("AutoOn 0 rejected: %v", err)
	}
	if err := r.c.Execute(SettingPurifierAutoOff, json.RawMessage(`1440`)); err != nil {
		t.Fatalf("AutoOff 1440 rejected: %v", err)
	}
	if got := r.c.Status().PurifierAutoOff; got != 1440 {
		t.Errorf("PurifierAutoOff = %d, want 1440", got)
	}

	r.c.Apply(nil, models.OdorNone, at(23, 59))
	if r.purifier.last() != 2 {
		t.Errorf("purifier at 23:59 = %d, want 2 for the all-day window", r.purifier.last())
	}
}

func TestController_DiffuserOffCommandStopsPulse(t *testing.T) {
	r := newControllerRig(Settings{})

	r.c.Execute(SettingDiffuserOn, json.RawMessage(`true`))
	r.c.Apply(nil, 0, at(12, 0))
	if r.diffuser.d.State() != DiffuserPulsing {
		t.Fatal("diffuser should pulse after being switched on")
	}

	r.c.Execute(SettingDiffuserOn, json.RawMessage(`false`))
	if r.diffuser.d.State() != DiffuserIdle || r.diffuser.ch1.on {
		t.Error("switching the diffuser off should stop the pulse at once")
	}
}

func TestController_Reset(t *testing.T) {
	r := newControllerRig(Settings{Mode: models.ModeAuto})
	r.c.Apply(forecast(4), models.OdorStrong, at(12, 0))

	if err := r.c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if r.purifier.last() != 0 || r.diffuser.ch1.on || r.diffuser.d.Enabled() {
		t.Error("Reset should switch everything off")
	}
	if r.c.Status().FanLevel != 0 {
		t.Errorf("FanLevel = %d, want 0", r.c.Status().FanLevel)
	}
}

func TestNopOutputs(t *testing.T) {
	h := NopHardware()

	h.Purifier.SetSpeed(9)
	h.Channel1.Set(true)

	if h.Purifier.(*NopFan).Level() != MaxFanLevel {
		t.Error("NopFan should clamp to the max level")
	}
	if !h.Channel1.(*NopSwitch).On() {
		t.Error("NopSwitch should record state")
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
