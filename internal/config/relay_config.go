package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RelayConfig holds configuration for the dashboard relay
type RelayConfig struct {
	Server  ServerSettings  `yaml:"server"`
	Storage StorageSettings `yaml:"storage"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StaticDir      string        `yaml:"static_dir"`
}

// StorageSettings contains report storage configuration. History is kept
// in SQLite only when Enabled is set.
type StorageSettings struct {
	BufferSize    int           `yaml:"buffer_size"`
	Enabled       bool          `yaml:"enabled"`
	DBPath        string        `yaml:"db_path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushPeriod   time.Duration `yaml:"flush_period"`
	ChannelSize   int           `yaml:"channel_size"`
	RetentionDays int           `yaml:"retention_days"`
	MaxRows       int           `yaml:"max_rows"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// LoadRelayConfig loads relay configuration from a YAML file
func LoadRelayConfig(path string) (*RelayConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config RelayConfig
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	_ = godotenv.Load()
	if err := config.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for relay config
func (rc *RelayConfig) ApplyDefaults() {
	if rc.Server.Port == 0 {
		rc.Server.Port = 8081
	}
	if rc.Server.Host == "" {
		rc.Server.Host = "localhost"
	}
	if rc.Server.ReadTimeout == 0 {
		rc.Server.ReadTimeout = 60 * time.Second
	}
	if rc.Server.WriteTimeout == 0 {
		rc.Server.WriteTimeout = 10 * time.Second
	}
	if rc.Storage.BufferSize == 0 {
		rc.Storage.BufferSize = 100
	}
	if rc.Storage.DBPath == "" {
		rc.Storage.DBPath = "./data/relay.db"
	}
	if rc.Storage.RetentionDays == 0 {
		rc.Storage.RetentionDays = 30
	}
	if rc.Logging.Level == "" {
		rc.Logging.Level = "info"
	}
	if rc.Logging.Format == "" {
		rc.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config from environment variables
func (rc *RelayConfig) OverrideFromEnv() error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT: %w", err)
		}
		rc.Server.Port = port
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		rc.Server.Host = v
	}
	if v := os.Getenv("SERVER_AUTH_TOKEN"); v != "" {
		rc.Server.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		rc.Logging.Level = v
	}
	return nil
}

// Validate checks if relay configuration is valid
func (rc *RelayConfig) Validate() error {
	var errs []error
	if rc.Server.Port < 1 || rc.Server.Port > 65535 {
		errs = append(errs, errors.New("port must be between 1 and 65535"))
	}
	if rc.Server.AuthToken == "" {
		errs = append(errs, errors.New("auth token is required"))
	}
	if rc.Storage.BufferSize < 10 {
		errs = append(errs, errors.New("buffer size must be at least 10"))
	}
	if rc.Storage.RetentionDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}
	if rc.Storage.MaxRows < 0 {
		errs = append(errs, errors.New("max rows must not be negative"))
	}
	if _, err := zerolog.ParseLevel(rc.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", rc.Logging.Level))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address
func (rc *RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", rc.Server.Host, rc.Server.Port)
}

// String returns a safe string representation (hides auth token)
func (rc *RelayConfig) String() string {
	server := rc.Server
	server.AuthToken = maskToken(server.AuthToken)
	return fmt.Sprintf("RelayConfig{Server: %+v, Storage: %+v, Logging: %+v}",
		server,
		rc.Storage,
		rc.Logging,
	)
}
