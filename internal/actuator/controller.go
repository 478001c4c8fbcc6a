package actuator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/afroash/airguard/internal/models"
	"github.com/rs/zerolog"
)

// ErrUnknownSetting is returned by Execute for a setting name it does not handle
var ErrUnknownSetting = errors.New("unknown setting")

// Setting names accepted by Execute
const (
	SettingPurifierOn      = "isPurifierOn"
	SettingPurifierSpeed   = "purifierSpeed"
	SettingPurifierAutoOn  = "purifierAutoOn"
	SettingPurifierAutoOff = "purifierAutoOff"
	SettingPurifierMode    = "purifierMode"
	SettingDiffuserOn      = "isDiffuserOn"
	SettingDiffuserSpeed   = "diffuserSpeed"
	SettingDiffuserPeriod  = "diffuserPeriod"
	SettingDiffuserType    = "diffuserType"
	SettingDiffuserMode    = "diffuserMode"
)

const minutesPerDay = 24 * 60

// Settings are the user-controlled purifier settings
type Settings struct {
	Mode          models.PurifierMode
	PurifierOn    bool
	PurifierSpeed int
	AutoOn        int // minutes of day, inclusive
	AutoOff       int // minutes of day, exclusive
	DiffuserMode  int
}

// Controller owns the purifier fan and the diffuser. In auto mode the fan
// follows the forecast and the diffuser follows the odor level; in manual
// mode both follow user settings.
type Controller struct {
	purifier Fan
	diffuser *Diffuser
	settings Settings
	fanLevel int
	mutex    sync.Mutex
	logger   zerolog.Logger
}

// NewController creates a controller. Call Reset before the first Apply
// to put the hardware in a known state.
func NewController(settings Settings, purifier Fan, diffuser *Diffuser, logger zerolog.Logger) *Controller {
	settings.PurifierSpeed = clampLevel(settings.PurifierSpeed)
	return &Controller{
		purifier: purifier,
		diffuser: diffuser,
		settings: settings,
		fanLevel: -1,
		logger:   logger,
	}
}

// Apply runs one actuation step. prediction may be nil. odorLevel is the
// odor level of the current frame.
func (c *Controller) Apply(prediction *models.SharedPrediction, odorLevel int, now time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var errs []error
	switch c.settings.Mode {
	case models.ModeAuto:
		if prediction == nil || !prediction.HasForecast {
			// nothing to act on yet
			errs = append(errs, c.setFan(0), c.diffuser.Disable())
			break
		}
		errs = append(errs, c.setFan(FanLevel(prediction.PredictedQuality)))
		if odorLevel >= models.OdorStrong {
			c.diffuser.Enable()
		} else {
			errs = append(errs, c.diffuser.Disable())
		}
	default:
		level := 0
		if c.settings.PurifierOn && c.inSchedule(now) {
			level = c.settings.PurifierSpeed
		}
		errs = append(errs, c.setFan(level))
	}

	errs = append(errs, c.diffuser.Tick(now))
	return errors.Join(errs...)
}

// Reset stops the fan and the diffuser
func (c *Controller) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.fanLevel = -1
	return errors.Join(c.setFan(0), c.diffuser.Reset())
}

// Mode returns the purifier mode
func (c *Controller) Mode() models.PurifierMode {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.settings.Mode
}

// Status returns the settings snapshot reported to dashboards
func (c *Controller) Status() models.DeviceStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	cfg := c.diffuser.Config()
	return models.DeviceStatus{
		PurifierOn:      c.settings.PurifierOn,
		PurifierSpeed:   c.settings.PurifierSpeed,
		PurifierAutoOn:  c.settings.AutoOn,
		PurifierAutoOff: c.settings.AutoOff,
		PurifierMode:    c.settings.Mode,
		FanLevel:        max(c.fanLevel, 0),
		DiffuserOn:      c.diffuser.Enabled(),
		DiffuserSpeed:   cfg.AssistSpeed,
		DiffuserPeriod:  int(cfg.Period / time.Second),
		DiffuserType:    cfg.Channel,
		DiffuserMode:    c.settings.DiffuserMode,
		DiffuserPulsing: c.diffuser.State() == DiffuserPulsing,
	}
}

// Execute applies one named setting. state is the raw JSON value.
func (c *Controller) Execute(setting string, state json.RawMessage) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch setting {
	case SettingPurifierOn:
		on, err := decodeBool(state)
		if err != nil {
			return err
		}
		c.settings.PurifierOn = on
	case SettingPurifierSpeed:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		if n < 0 || n > MaxFanLevel {
			return fmt.Errorf("purifier speed must be 0-%d, got %d", MaxFanLevel, n)
		}
		c.settings.PurifierSpeed = n
	case SettingPurifierAutoOn, SettingPurifierAutoOff:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		// auto off may be 1440 (24:00) for a window running to midnight
		limit := minutesPerDay - 1
		if setting == SettingPurifierAutoOff {
			limit = minutesPerDay
		}
		if n < 0 || n > limit {
			return fmt.Errorf("%s must be 0-%d, got %d", setting, limit, n)
		}
		if setting == SettingPurifierAutoOn {
			c.settings.AutoOn = n
		} else {
			c.settings.AutoOff = n
		}
	case SettingPurifierMode:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		mode := models.PurifierMode(n)
		if mode != models.ModeManual && mode != models.ModeAuto {
			return fmt.Errorf("unknown purifier mode %d", n)
		}
		c.settings.Mode = mode
	case SettingDiffuserOn:
		on, err := decodeBool(state)
		if err != nil {
			return err
		}
		if on {
			c.diffuser.Enable()
			return nil
		}
		return c.diffuser.Disable()
	case SettingDiffuserSpeed:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		return c.diffuser.SetAssistSpeed(n)
	case SettingDiffuserPeriod:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		return c.diffuser.SetPeriod(time.Duration(n) * time.Second)
	case SettingDiffuserType:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		return c.diffuser.SetChannel(n)
	case SettingDiffuserMode:
		n, err := decodeInt(state)
		if err != nil {
			return err
		}
		c.settings.DiffuserMode = n
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, setting)
	}

	c.logger.Info().Str("setting", setting).RawJSON("state", state).Msg("Setting updated")
	return nil
}

// inSchedule reports whether now falls in [AutoOn, AutoOff). A window whose
// end is before its start wraps past midnight.
func (c *Controller) inSchedule(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	on, off := c.settings.AutoOn, c.settings.AutoOff
	if on <= off {
		return on <= minute && minute < off
	}
	return minute >= on || minute < off
}

func (c *Controller) setFan(level int) error {
	if level == c.fanLevel {
		return nil
	}
	if err := c.purifier.SetSpeed(level); err != nil {
		return fmt.Errorf("purifier fan: %w", err)
	}
	c.logger.Debug().Int("from", c.fanLevel).Int("to", level).Msg("Purifier fan speed changed")
	c.fanLevel = level
	return nil
}

// decodeBool accepts JSON booleans and 0/1 numbers
func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	n, err := decodeInt(raw)
	if err != nil {
		return false, fmt.Errorf("expected boolean, got %s", string(raw))
	}
	return n != 0, nil
}

// decodeInt accepts JSON integers and whole floats
func decodeInt(raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("expected number, got %s", string(raw))
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("expected whole number, got %s", string(raw))
	}
	return int(f), nil
}
