// Package config_test tests configuration loading and validation.
package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/adapter/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// TestLoadFrom_Defaults tests the defaults applied to an empty config file.
func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(writeFile(t, "config.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.MQTT.BrokerURL != "tcp://localhost:1883" || cfg.MQTT.ClientID != "medole-gateway" {
		t.Errorf("unexpected MQTT defaults: %+v", cfg.MQTT)
	}
	if cfg.MQTT.QoS != 1 || !cfg.MQTT.RetainState {
		t.Errorf("unexpected MQTT delivery defaults: qos=%d retain=%v", cfg.MQTT.QoS, cfg.MQTT.RetainState)
	}
	if cfg.Modbus.Timeout != 3*time.Second {
		t.Errorf("expected modbus timeout 3s, got %v", cfg.Modbus.Timeout)
	}
	if cfg.Polling.WorkerCount != 4 || cfg.Polling.CycleTimeout != 30*time.Second {
		t.Errorf("unexpected polling defaults: %+v", cfg.Polling)
	}
	if cfg.Commands.Timeout != 15*time.Second || cfg.Commands.QueueSize != 64 || !cfg.Commands.Acknowledge {
		t.Errorf("unexpected command defaults: %+v", cfg.Commands)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

// TestLoadFrom_File tests values read from YAML.
func TestLoadFrom_File(t *testing.T) {
	path := writeFile(t, "config.yaml", `
environment: production
devices_config_path: /etc/medole-gateway/devices.yaml
http:
  port: 9100
mqtt:
  broker_url: tcp://broker.lan:1883
  qos: 2
modbus:
  timeout: 1500ms
polling:
  worker_count: 2
  read_sensors: false
commands:
  timeout: 5s
logging:
  level: debug
  format: console
`)

	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Environment != "production" {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.DevicesConfigPath != "/etc/medole-gateway/devices.yaml" {
		t.Errorf("devices path = %q", cfg.DevicesConfigPath)
	}
	if cfg.HTTP.Port != 9100 {
		t.Errorf("http port = %d", cfg.HTTP.Port)
	}
	if cfg.MQTT.BrokerURL != "tcp://broker.lan:1883" || cfg.MQTT.QoS != 2 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Modbus.Timeout != 1500*time.Millisecond {
		t.Errorf("modbus timeout = %v", cfg.Modbus.Timeout)
	}
	if cfg.Polling.WorkerCount != 2 || cfg.Polling.ReadSensors {
		t.Errorf("polling = %+v", cfg.Polling)
	}
	if cfg.Commands.Timeout != 5*time.Second {
		t.Errorf("commands timeout = %v", cfg.Commands.Timeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

// TestLoadFrom_Environment tests environment overrides.
func TestLoadFrom_Environment(t *testing.T) {
	t.Setenv("MQTT_BROKER_URL", "ssl://cloud.example:8883")
	t.Setenv("MEDOLE_POLLING_WORKER_COUNT", "8")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.LoadFrom(writeFile(t, "config.yaml", "mqtt:\n  broker_url: tcp://file:1883\n"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.MQTT.BrokerURL != "ssl://cloud.example:8883" {
		t.Errorf("expected env broker URL, got %q", cfg.MQTT.BrokerURL)
	}
	if cfg.Polling.WorkerCount != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Polling.WorkerCount)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn level, got %q", cfg.Logging.Level)
	}
}

// TestLoadFrom_MissingFile tests that an explicit path must exist.
func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := config.LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			HTTP:     config.HTTPConfig{Port: 8080},
			MQTT:     config.MQTTConfig{BrokerURL: "tcp://localhost:1883", QoS: 1},
			Modbus:   config.ModbusConfig{Timeout: 3 * time.Second},
			Polling:  config.PollingConfig{WorkerCount: 4},
			Commands: config.CommandsConfig{MaxConcurrent: 4},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"valid", func(c *config.Config) {}, ""},
		{"missing broker", func(c *config.Config) { c.MQTT.BrokerURL = "" }, "broker URL"},
		{"bad qos", func(c *config.Config) { c.MQTT.QoS = 3 }, "QoS"},
		{"bad port", func(c *config.Config) { c.HTTP.Port = 0 }, "HTTP port"},
		{"auth without key", func(c *config.Config) { c.API.AuthEnabled = true }, "API key"},
		{"auth with key", func(c *config.Config) { c.API.AuthEnabled = true; c.API.APIKey = "secret" }, ""},
		{"no workers", func(c *config.Config) { c.Polling.WorkerCount = 0 }, "worker count"},
		{"no command slots", func(c *config.Config) { c.Commands.MaxConcurrent = 0 }, "max concurrent"},
		{"no modbus timeout", func(c *config.Config) { c.Modbus.Timeout = 0 }, "modbus timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
