package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// DeviceConfig represents the YAML structure for one dehumidifier.
type DeviceConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description,omitempty"`
	Enabled      *bool             `yaml:"enabled,omitempty"`
	TopicPrefix  string            `yaml:"topic_prefix"`
	PollInterval string            `yaml:"poll_interval,omitempty"`
	Connection   ConnectionConfig  `yaml:"connection"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// ConnectionConfig represents connection settings in YAML.
type ConnectionConfig struct {
	Type string `yaml:"type"`

	// Serial
	SerialPort string `yaml:"serial_port,omitempty"`
	BaudRate   int    `yaml:"baud_rate,omitempty"`
	ByteSize   int    `yaml:"byte_size,omitempty"`
	Parity     string `yaml:"parity,omitempty"`
	StopBits   int    `yaml:"stop_bits,omitempty"`

	// TCP and RTU over TCP
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	SlaveID int    `yaml:"slave_id,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// DevicesFile represents the top-level devices configuration file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadDevices loads device configurations from a YAML file.
func LoadDevices(path string, defaultTimeout time.Duration) ([]*domain.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data, defaultTimeout)
}

// ParseDevices decodes and validates a devices document. A non-positive
// defaultTimeout leaves the transport default in place.
func ParseDevices(data []byte, defaultTimeout time.Duration) ([]*domain.Device, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	seenIDs := make(map[string]int)
	devices := make([]*domain.Device, 0, len(file.Devices))

	for idx, dc := range file.Devices {
		if prevIdx, exists := seenIDs[dc.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate device ID '%s' at index %d (first seen at index %d)",
				domain.ErrDeviceExists, dc.ID, idx, prevIdx)
		}
		seenIDs[dc.ID] = idx

		device, err := convertDeviceConfig(dc, defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		if err := device.Validate(); err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// convertDeviceConfig converts a DeviceConfig to a domain.Device.
func convertDeviceConfig(dc DeviceConfig, defaultTimeout time.Duration) (*domain.Device, error) {
	pollInterval := domain.DefaultPollInterval
	if dc.PollInterval != "" {
		var err error
		pollInterval, err = time.ParseDuration(dc.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll interval: %w", err)
		}
	}

	timeout := defaultTimeout
	if dc.Connection.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(dc.Connection.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}

	// Range-check before narrowing to uint8 so 257 is not read as 1.
	if dc.Connection.SlaveID < 0 || dc.Connection.SlaveID > int(domain.MaxSlaveID) {
		return nil, fmt.Errorf("%w: %w %d", domain.ErrConfiguration, domain.ErrInvalidSlaveID, dc.Connection.SlaveID)
	}

	enabled := true
	if dc.Enabled != nil {
		enabled = *dc.Enabled
	}

	conn := domain.TransportConfig{
		Kind:       domain.TransportKind(dc.Connection.Type),
		SerialPort: dc.Connection.SerialPort,
		BaudRate:   dc.Connection.BaudRate,
		ByteSize:   dc.Connection.ByteSize,
		Parity:     dc.Connection.Parity,
		StopBits:   dc.Connection.StopBits,
		Host:       dc.Connection.Host,
		Port:       dc.Connection.Port,
		SlaveID:    uint8(dc.Connection.SlaveID),
		Timeout:    timeout,
	}

	return &domain.Device{
		ID:           dc.ID,
		Name:         dc.Name,
		Description:  dc.Description,
		Connection:   conn.WithDefaults(),
		PollInterval: pollInterval,
		Enabled:      enabled,
		TopicPrefix:  dc.TopicPrefix,
		Metadata:     dc.Metadata,
	}, nil
}
