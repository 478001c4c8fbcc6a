package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the device daemon
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Motion    MotionConfig    `yaml:"motion"`
	Camera    CameraConfig    `yaml:"camera"`
	Control   ControlConfig   `yaml:"control"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Trend     TrendConfig     `yaml:"trend"`
	Diffuser  DiffuserConfig  `yaml:"diffuser"`
	Odor      OdorConfig      `yaml:"odor"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the unit
type DeviceConfig struct {
	Key      string `yaml:"key"`
	Location string `yaml:"location"`
}

// SensorConfig lists the probes merged into each frame
type SensorConfig struct {
	Probes      []string      `yaml:"probes"`
	DHTPin      int           `yaml:"dht_pin"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	Seed        int64         `yaml:"seed"`
	MQTTTopic   string        `yaml:"mqtt_topic"`
	MQTTMaxAge  time.Duration `yaml:"mqtt_max_age"`
}

// MotionConfig describes the PIR input line. The chip is actuator.chip.
type MotionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Pin      int           `yaml:"pin"`
	Debounce time.Duration `yaml:"debounce"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// CameraConfig holds the snapshot command answering webcam requests.
// An empty command disables snapshots.
type CameraConfig struct {
	Command  []string      `yaml:"command"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int           `yaml:"max_bytes"`
}

// ControlConfig contains loop timing and the initial purifier settings
type ControlConfig struct {
	Interval           time.Duration `yaml:"interval"`
	PredictionInterval time.Duration `yaml:"prediction_interval"`
	Mode               string        `yaml:"mode"`
	PurifierOn         bool          `yaml:"purifier_on"`
	PurifierSpeed      int           `yaml:"purifier_speed"`
	AutoOn             string        `yaml:"auto_on"`  // HH:MM
	AutoOff            string        `yaml:"auto_off"` // HH:MM
}

// ForecastConfig contains forecaster settings
type ForecastConfig struct {
	Window       int     `yaml:"window"`
	ModelPath    string  `yaml:"model_path"`
	RetrainAsync bool    `yaml:"retrain_async"`
	RidgeLambda  float64 `yaml:"ridge_lambda"`
	MinTrainRows int     `yaml:"min_train_rows"`
}

// MonitorConfig contains forecast accuracy supervision settings
type MonitorConfig struct {
	RollingPairs int     `yaml:"rolling_pairs"`
	CheckEvery   int     `yaml:"check_every"`
	R2Threshold  float64 `yaml:"r2_threshold"`
}

// TrendConfig contains advisory thresholds
type TrendConfig struct {
	ScoreFloor  float64 `yaml:"score_floor"`
	PM25Ceiling float64 `yaml:"pm25_ceiling"`
	ECO2Ceiling float64 `yaml:"eco2_ceiling"`
}

// DiffuserConfig contains scent diffuser pulse settings
type DiffuserConfig struct {
	Period        time.Duration `yaml:"period"`
	PulseDuration time.Duration `yaml:"pulse_duration"`
	AssistSpeed   int           `yaml:"assist_speed"`
	Channel       int           `yaml:"channel"`
	Mode          int           `yaml:"mode"`
}

// OdorConfig locates the odor classifier model and its labeled samples
type OdorConfig struct {
	ModelPath  string `yaml:"model_path"`
	LabelsPath string `yaml:"labels_path"`
}

// DatasetConfig contains training corpus storage settings
type DatasetConfig struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushPeriod   time.Duration `yaml:"flush_period"`
	ChannelSize   int           `yaml:"channel_size"`
	RetentionDays int           `yaml:"retention_days"`
	MaxRows       int           `yaml:"max_rows"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// ActuatorConfig maps outputs to GPIO lines
type ActuatorConfig struct {
	Driver         string `yaml:"driver"`
	Chip           string `yaml:"chip"`
	PurifierFanPin int    `yaml:"purifier_fan_pin"`
	DiffuserFanPin int    `yaml:"diffuser_fan_pin"`
	Channel1Pin    int    `yaml:"channel1_pin"`
	Channel2Pin    int    `yaml:"channel2_pin"`
	PWMFrequency   int    `yaml:"pwm_frequency"`
}

// TelemetryConfig contains reporting transport settings
type TelemetryConfig struct {
	Transport            string        `yaml:"transport"`
	URL                  string        `yaml:"url"`
	AuthToken            string        `yaml:"auth_token"`
	ReportInterval       time.Duration `yaml:"report_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	OutboxSize           int           `yaml:"outbox_size"`
	TopicPrefix          string        `yaml:"topic_prefix"`
}

// MQTTConfig contains broker settings shared by the mqtt probe and transport
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Transport names accepted in telemetry.transport
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
	TransportNone      = "none"
)

// LoadConfig loads configuration from a YAML file. Values from a .env file
// in the working directory and from the environment override the file.
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	_ = godotenv.Load()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *Config) ApplyDefaults() {
	if len(c.Sensor.Probes) == 0 {
		c.Sensor.Probes = []string{"dht", "simulated"}
	}
	if c.Sensor.ReadTimeout == 0 {
		c.Sensor.ReadTimeout = 5 * time.Second
	}
	if c.Sensor.MQTTTopic == "" {
		c.Sensor.MQTTTopic = "sensors"
	}
	if c.Sensor.MQTTMaxAge == 0 {
		c.Sensor.MQTTMaxAge = 30 * time.Second
	}

	if c.Motion.Debounce == 0 {
		c.Motion.Debounce = 50 * time.Millisecond
	}
	if c.Camera.Timeout == 0 {
		c.Camera.Timeout = 10 * time.Second
	}
	if c.Camera.MaxBytes == 0 {
		c.Camera.MaxBytes = 2 << 20
	}

	if c.Control.Interval == 0 {
		c.Control.Interval = 2 * time.Second
	}
	if c.Control.PredictionInterval == 0 {
		c.Control.PredictionInterval = 3 * time.Second
	}
	if c.Control.Mode == "" {
		c.Control.Mode = "manual"
	}
	if c.Control.AutoOn == "" {
		c.Control.AutoOn = "00:00"
	}
	if c.Control.AutoOff == "" {
		c.Control.AutoOff = "24:00"
	}

	if c.Forecast.Window == 0 {
		c.Forecast.Window = 6
	}
	if c.Forecast.ModelPath == "" {
		c.Forecast.ModelPath = "./data/forecast.json"
	}
	if c.Forecast.RidgeLambda == 0 {
		c.Forecast.RidgeLambda = 1.0
	}
	if c.Forecast.MinTrainRows == 0 {
		c.Forecast.MinTrainRows = 30
	}

	if c.Monitor.RollingPairs == 0 {
		c.Monitor.RollingPairs = 10
	}
	if c.Monitor.CheckEvery == 0 {
		c.Monitor.CheckEvery = 10
	}
	if c.Monitor.R2Threshold == 0 {
		c.Monitor.R2Threshold = 0.7
	}

	if c.Trend.ScoreFloor == 0 {
		c.Trend.ScoreFloor = 70
	}
	if c.Trend.PM25Ceiling == 0 {
		c.Trend.PM25Ceiling = 35
	}
	if c.Trend.ECO2Ceiling == 0 {
		c.Trend.ECO2Ceiling = 1000
	}

	if c.Diffuser.Period == 0 {
		c.Diffuser.Period = 300 * time.Second
	}
	if c.Diffuser.PulseDuration == 0 {
		c.Diffuser.PulseDuration = 5 * time.Second
	}
	if c.Diffuser.AssistSpeed == 0 {
		c.Diffuser.AssistSpeed = 1
	}
	if c.Diffuser.Channel == 0 {
		c.Diffuser.Channel = 1
	}

	if c.Odor.LabelsPath == "" {
		c.Odor.LabelsPath = "./data/odor_labels.csv"
	}

	if c.Dataset.Driver == "" {
		c.Dataset.Driver = "csv"
	}
	if c.Dataset.Path == "" {
		if c.Dataset.Driver == "sqlite" {
			c.Dataset.Path = "./data/airguard.db"
		} else {
			c.Dataset.Path = "./data/dataset.csv"
		}
	}

	if c.Actuator.Driver == "" {
		c.Actuator.Driver = "nop"
	}
	if c.Actuator.Chip == "" {
		c.Actuator.Chip = "gpiochip0"
	}
	if c.Actuator.PWMFrequency == 0 {
		c.Actuator.PWMFrequency = 100
	}

	if c.Telemetry.Transport == "" {
		c.Telemetry.Transport = TransportNone
	}
	if c.Telemetry.ReportInterval == 0 {
		c.Telemetry.ReportInterval = 2 * time.Second
	}
	if c.Telemetry.ReconnectInterval == 0 {
		c.Telemetry.ReconnectInterval = 1 * time.Second
	}
	if c.Telemetry.MaxReconnectInterval == 0 {
		c.Telemetry.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Telemetry.PingInterval == 0 {
		c.Telemetry.PingInterval = 30 * time.Second
	}
	if c.Telemetry.PongTimeout == 0 {
		c.Telemetry.PongTimeout = 90 * time.Second
	}
	if c.Telemetry.OutboxSize == 0 {
		c.Telemetry.OutboxSize = 100
	}
	if c.Telemetry.TopicPrefix == "" {
		c.Telemetry.TopicPrefix = "airguard"
	}

	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 60 * time.Second
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("DEVICE_KEY"); v != "" {
		c.Device.Key = v
	}
	if v := os.Getenv("DEVICE_LOCATION"); v != "" {
		c.Device.Location = v
	}
	if v := os.Getenv("SERVER_URL"); v != "" {
		c.Telemetry.URL = v
	}
	if v := os.Getenv("SERVER_AUTH_TOKEN"); v != "" {
		c.Telemetry.AuthToken = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONTROL_MODE"); v != "" {
		c.Control.Mode = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Device.Key == "" {
		fail("device key is required")
	}

	if len(c.Sensor.Probes) == 0 {
		fail("at least one sensor probe is required")
	}
	for _, p := range c.Sensor.Probes {
		if !slices.Contains([]string{"dht", "simulated", "mqtt"}, p) {
			fail("unknown sensor probe %q", p)
		}
	}
	if slices.Contains(c.Sensor.Probes, "dht") && c.Sensor.DHTPin <= 0 {
		fail("dht probe needs a GPIO pin greater than 0")
	}
	if c.UsesMQTT() && c.MQTT.Broker == "" {
		fail("mqtt broker is required by the mqtt probe or transport")
	}

	if c.Motion.Enabled && c.Motion.Pin <= 0 {
		fail("motion sensor needs a GPIO pin greater than 0")
	}
	if c.Motion.Debounce < 0 || c.Motion.Cooldown < 0 {
		fail("motion debounce and cooldown must not be negative")
	}
	if c.Camera.Timeout < 0 {
		fail("camera timeout must not be negative")
	}
	if c.Camera.MaxBytes < 0 {
		fail("camera max bytes must not be negative")
	}

	if c.Control.Interval < 100*time.Millisecond {
		fail("control interval must be at least 100ms")
	}
	if c.Control.PredictionInterval < 100*time.Millisecond {
		fail("prediction interval must be at least 100ms")
	}
	if _, err := c.PurifierMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Control.PurifierSpeed < 0 || c.Control.PurifierSpeed > 4 {
		fail("purifier speed must be between 0 and 4")
	}
	if _, _, err := c.AutoSchedule(); err != nil {
		errs = append(errs, err)
	}

	if c.Forecast.Window < 1 {
		fail("forecast window must be at least 1")
	}
	if c.Forecast.RidgeLambda < 0 {
		fail("ridge lambda must not be negative")
	}
	if c.Monitor.RollingPairs < 2 {
		fail("monitor needs at least 2 rolling pairs")
	}
	if c.Monitor.CheckEvery < 1 {
		fail("monitor check_every must be at least 1")
	}
	if c.Monitor.R2Threshold > 1 {
		fail("r2 threshold must be at most 1")
	}

	if c.Diffuser.Channel != 1 && c.Diffuser.Channel != 2 {
		fail("diffuser channel must be 1 or 2")
	}
	if c.Diffuser.PulseDuration >= c.Diffuser.Period {
		fail("diffuser pulse must be shorter than its period")
	}
	if c.Diffuser.AssistSpeed < 0 || c.Diffuser.AssistSpeed > 4 {
		fail("diffuser assist speed must be between 0 and 4")
	}

	switch c.Dataset.Driver {
	case "csv", "sqlite":
	default:
		fail("unknown dataset driver %q", c.Dataset.Driver)
	}
	if c.Dataset.RetentionDays < 0 {
		fail("retention days must not be negative")
	}
	if c.Dataset.MaxRows < 0 {
		fail("dataset max rows must not be negative")
	}

	switch c.Actuator.Driver {
	case "nop":
	case "gpio":
		if c.Actuator.PurifierFanPin <= 0 || c.Actuator.DiffuserFanPin <= 0 ||
			c.Actuator.Channel1Pin <= 0 || c.Actuator.Channel2Pin <= 0 {
			fail("gpio actuator needs every output pin set")
		}
	default:
		fail("unknown actuator driver %q", c.Actuator.Driver)
	}

	switch c.Telemetry.Transport {
	case TransportNone, TransportMQTT:
	case TransportWebSocket:
		if !strings.HasPrefix(c.Telemetry.URL, "ws://") && !strings.HasPrefix(c.Telemetry.URL, "wss://") {
			fail("telemetry url must start with ws:// or wss://")
		}
		if c.Telemetry.AuthToken == "" {
			fail("telemetry auth token is required")
		}
	default:
		fail("unknown telemetry transport %q", c.Telemetry.Transport)
	}
	if c.Telemetry.OutboxSize < 1 || c.Telemetry.OutboxSize > 100000 {
		fail("outbox size must be between 1 and 100000")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		fail("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		fail("log format must be json or text")
	}

	return errors.Join(errs...)
}

// UsesMQTT reports whether a broker connection is needed
func (c *Config) UsesMQTT() bool {
	return c.Telemetry.Transport == TransportMQTT || slices.Contains(c.Sensor.Probes, "mqtt")
}

// String returns a safe string representation (hides auth token and
// broker password)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Device: %+v, Sensor: %+v, Control: %+v, Forecast: %+v, Dataset: [Driver=%s, Path=%s], Actuator: %s, Telemetry: [Transport=%s, URL=%s, Token=%s], MQTT: [Broker=%s, Password=%s], Logging: %+v}",
		c.Device,
		c.Sensor,
		c.Control,
		c.Forecast,
		c.Dataset.Driver,
		c.Dataset.Path,
		c.Actuator.Driver,
		c.Telemetry.Transport,
		c.Telemetry.URL,
		maskToken(c.Telemetry.AuthToken),
		c.MQTT.Broker,
		maskToken(c.MQTT.Password),
		c.Logging,
	)
}

// maskToken masks all but first 4 characters of a token
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
