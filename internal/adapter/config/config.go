// Package config provides configuration management for the gateway.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MEDOLE"

// Config holds all configuration for the gateway.
type Config struct {
	// Environment is the deployment environment (development, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device configurations file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	HTTP     HTTPConfig     `mapstructure:"http"`
	API      APIConfig      `mapstructure:"api"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Commands CommandsConfig `mapstructure:"commands"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled requires an API key on endpoints that change device state
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKey      string `mapstructure:"api_key"`

	// MaxRequestBodySize is the maximum allowed request body size in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins for CORS; empty allows any origin
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	RetainState    bool          `mapstructure:"retain_state"`
}

// ModbusConfig holds transport defaults.
type ModbusConfig struct {
	// Timeout applies to devices whose connection sets none.
	Timeout time.Duration `mapstructure:"timeout"`
}

// PollingConfig holds polling service configuration.
type PollingConfig struct {
	WorkerCount     int           `mapstructure:"worker_count"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	ReadSensors     bool          `mapstructure:"read_sensors"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CommandsConfig holds command handler configuration.
type CommandsConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	QueueSize           int           `mapstructure:"queue_size"`
	Acknowledge         bool          `mapstructure:"acknowledge"`
	RefreshAfterCommand bool          `mapstructure:"refresh_after_command"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file. An empty path searches
// the default locations and tolerates a missing file.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medole-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 65536)
	v.SetDefault("api.allowed_origins", []string{})

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "medole-gateway")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.retain_state", true)

	v.SetDefault("modbus.timeout", 3*time.Second)

	v.SetDefault("polling.worker_count", 4)
	v.SetDefault("polling.cycle_timeout", 30*time.Second)
	v.SetDefault("polling.read_sensors", true)
	v.SetDefault("polling.shutdown_timeout", 10*time.Second)

	v.SetDefault("commands.timeout", 15*time.Second)
	v.SetDefault("commands.max_concurrent", 4)
	v.SetDefault("commands.queue_size", 64)
	v.SetDefault("commands.acknowledge", true)
	v.SetDefault("commands.refresh_after_command", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.compress", true)
}

// bindEnvVars binds unprefixed environment variables shared with other
// tools on the same host.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")
	_ = v.BindEnv("http.port", "HTTP_PORT")
	_ = v.BindEnv("api.api_key", "API_KEY")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("API key is required when API auth is enabled")
	}
	if c.Polling.WorkerCount <= 0 {
		return fmt.Errorf("polling worker count must be positive")
	}
	if c.Commands.MaxConcurrent <= 0 {
		return fmt.Errorf("commands max concurrent must be positive")
	}
	if c.Modbus.Timeout <= 0 {
		return fmt.Errorf("modbus timeout must be positive")
	}
	return nil
}
