package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// TransportKind identifies the physical link used to reach a device.
type TransportKind string

const (
	TransportSerial     TransportKind = "serial"
	TransportTCP        TransportKind = "tcp"
	TransportRTUOverTCP TransportKind = "rtuovertcp"
)

// Transport defaults.
const (
	DefaultSlaveID  uint8 = 1
	DefaultBaudRate       = 9600
	DefaultByteSize       = 8
	DefaultParity         = "N"
	DefaultStopBits       = 1
	DefaultTCPPort        = 502
	DefaultTimeout        = 3 * time.Second

	// MaxSerialSlaveID bounds the slave id accepted for serial links; the
	// device's RS-485 DIP switch cannot address more.
	MaxSerialSlaveID uint8 = 32
	MaxSlaveID       uint8 = 247
)

var validBaudRates = map[int]bool{9600: true, 19200: true, 38400: true, 57600: true, 115200: true}

// TransportConfig describes how to reach one device. It is immutable once
// handed to the registry.
type TransportConfig struct {
	Kind TransportKind `json:"type" yaml:"type"`

	// Serial settings.
	SerialPort string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	ByteSize   int    `json:"byte_size,omitempty" yaml:"byte_size,omitempty"`
	Parity     string `json:"parity,omitempty" yaml:"parity,omitempty"`
	StopBits   int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`

	// TCP and RTU-over-TCP settings.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	SlaveID uint8         `json:"slave_id,omitempty" yaml:"slave_id,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WithDefaults returns a copy of c with every unset field given its default.
// Host and SerialPort are trimmed so padded values share an identity.
func (c TransportConfig) WithDefaults() TransportConfig {
	c.Host = strings.TrimSpace(c.Host)
	c.SerialPort = strings.TrimSpace(c.SerialPort)
	if c.SlaveID == 0 {
		c.SlaveID = DefaultSlaveID
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	switch c.Kind {
	case TransportSerial:
		if c.BaudRate == 0 {
			c.BaudRate = DefaultBaudRate
		}
		if c.ByteSize == 0 {
			c.ByteSize = DefaultByteSize
		}
		if c.Parity == "" {
			c.Parity = DefaultParity
		}
		c.Parity = strings.ToUpper(c.Parity)
		if c.StopBits == 0 {
			c.StopBits = DefaultStopBits
		}
	case TransportTCP, TransportRTUOverTCP:
		if c.Port == 0 {
			c.Port = DefaultTCPPort
		}
	}
	return c
}

// CheckRequired reports a missing kind-specific field. It is the only check
// the transport factory applies.
func (c TransportConfig) CheckRequired() error {
	switch c.Kind {
	case TransportSerial:
		if strings.TrimSpace(c.SerialPort) == "" {
			return fmt.Errorf("%w: %w", ErrConfiguration, ErrSerialPortRequired)
		}
	case TransportTCP, TransportRTUOverTCP:
		if strings.TrimSpace(c.Host) == "" {
			return fmt.Errorf("%w: %w", ErrConfiguration, ErrHostRequired)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrConfiguration, ErrInvalidKind, c.Kind)
	}
	return nil
}

// Validate checks required fields and value ranges of a defaulted config.
func (c TransportConfig) Validate() error {
	if err := c.CheckRequired(); err != nil {
		return err
	}
	if c.SlaveID == 0 || c.SlaveID > MaxSlaveID {
		return fmt.Errorf("%w: %w %d", ErrConfiguration, ErrInvalidSlaveID, c.SlaveID)
	}

	if c.Kind != TransportSerial {
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("%w: %w %d", ErrConfiguration, ErrInvalidPort, c.Port)
		}
		return nil
	}

	if c.SlaveID > MaxSerialSlaveID {
		return fmt.Errorf("%w: %w %d (serial max %d)", ErrConfiguration, ErrInvalidSlaveID, c.SlaveID, MaxSerialSlaveID)
	}
	if !validBaudRates[c.BaudRate] {
		return fmt.Errorf("%w: %w %d", ErrConfiguration, ErrInvalidBaudRate, c.BaudRate)
	}
	if c.ByteSize < 5 || c.ByteSize > 8 {
		return fmt.Errorf("%w: %w %d", ErrConfiguration, ErrInvalidByteSize, c.ByteSize)
	}
	switch strings.ToUpper(c.Parity) {
	case "N", "E", "O":
	default:
		return fmt.Errorf("%w: %w %q", ErrConfiguration, ErrInvalidParity, c.Parity)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: %w %d", ErrConfiguration, ErrInvalidStopBits, c.StopBits)
	}
	return nil
}

// Address returns host:port for network kinds and the port path for serial.
func (c TransportConfig) Address() string {
	if c.Kind == TransportSerial {
		return c.SerialPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Identity derives the connection identity of the defaulted config.
func (c TransportConfig) Identity() ConnectionIdentity {
	c = c.WithDefaults()
	id := ConnectionIdentity{Kind: c.Kind, SlaveID: c.SlaveID}
	if c.Kind == TransportSerial {
		id.Endpoint = c.SerialPort
	} else {
		id.Endpoint = c.Host + "_" + strconv.Itoa(c.Port)
	}
	return id
}

// ConnectionIdentity keys one transport manager: two configs with equal
// identities share a manager.
type ConnectionIdentity struct {
	Kind     TransportKind
	Endpoint string
	SlaveID  uint8
}

// String renders the identity as kind_endpoint_slave, e.g. tcp_10.0.0.5_502_1.
func (id ConnectionIdentity) String() string {
	return fmt.Sprintf("%s_%s_%d", id.Kind, id.Endpoint, id.SlaveID)
}
