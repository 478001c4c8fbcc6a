package models

// PurifierMode selects how the purifier fan is driven
type PurifierMode int

const (
	ModeManual PurifierMode = iota
	ModeAuto
)

func (m PurifierMode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParsePurifierMode accepts "manual"/"auto" as used in config files
func ParsePurifierMode(s string) (PurifierMode, bool) {
	switch s {
	case "manual", "":
		return ModeManual, true
	case "auto":
		return ModeAuto, true
	default:
		return ModeManual, false
	}
}

// DeviceStatus is the actuator settings snapshot reported to the dashboard.
// JSON names follow the dashboard's control vocabulary.
type DeviceStatus struct {
	PurifierOn      bool         `json:"isPurifierOn"`
	PurifierSpeed   int          `json:"purifierSpeed"`
	PurifierAutoOn  int          `json:"purifierAutoOn"`
	PurifierAutoOff int          `json:"purifierAutoOff"`
	PurifierMode    PurifierMode `json:"purifierMode"`
	FanLevel        int          `json:"fanLevel"`
	DiffuserOn      bool         `json:"isDiffuserOn"`
	DiffuserSpeed   int          `json:"diffuserSpeed"`
	DiffuserPeriod  int          `json:"diffuserPeriod"`
	DiffuserType    int          `json:"diffuserType"`
	DiffuserMode    int          `json:"diffuserMode"`
	DiffuserPulsing bool         `json:"diffuserPulsing"`
}
