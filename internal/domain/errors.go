// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Transport error classes. Every failure returned by a transport manager
// matches exactly one of these with errors.Is.
var (
	ErrConfiguration = errors.New("transport configuration error")
	ErrDisconnected  = errors.New("transport disconnected")
	ErrProtocol      = errors.New("device rejected request")
	ErrLink          = errors.New("transport link failure")
)

// Device configuration errors.
var (
	ErrDeviceIDRequired     = errors.New("device ID is required")
	ErrDeviceNameRequired   = errors.New("device name is required")
	ErrPollIntervalTooShort = errors.New("poll interval must be at least 1s")
	ErrTopicPrefixRequired  = errors.New("topic prefix is required")
	ErrSerialPortRequired   = errors.New("serial port is required")
	ErrHostRequired         = errors.New("host is required")
	ErrInvalidKind          = errors.New("unknown connection type")
	ErrInvalidSlaveID       = errors.New("invalid slave ID")
	ErrInvalidBaudRate      = errors.New("invalid baud rate")
	ErrInvalidByteSize      = errors.New("invalid byte size")
	ErrInvalidParity        = errors.New("invalid parity")
	ErrInvalidStopBits      = errors.New("invalid stop bits")
	ErrInvalidPort          = errors.New("invalid TCP port")
)

// Modbus exception errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusUnknownException       = errors.New("modbus: unknown exception")
	ErrInvalidRegisterCount         = errors.New("modbus: invalid register count")
)

// Dehumidifier errors.
var (
	ErrInvalidMode     = errors.New("unsupported operating mode")
	ErrInvalidCommand  = errors.New("unsupported command")
	ErrInvalidHumidity = errors.New("humidity value out of range")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
	ErrServiceOverloaded = errors.New("service overloaded")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceExists      = errors.New("device already exists")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// OperationError describes a failed register operation. It matches both its
// class (ErrDisconnected, ErrProtocol, ErrLink) and its cause.
type OperationError struct {
	Op       string
	Address  uint16
	Identity ConnectionIdentity
	Kind     error
	Err      error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s 0x%04X on %s: %v", e.Op, e.Address, e.Identity, e.Kind)
	}
	return fmt.Sprintf("%s 0x%04X on %s: %v: %v", e.Op, e.Address, e.Identity, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether re-issuing the operation may succeed without
// changing its parameters.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLink) || errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrModbusBusy) || errors.Is(err, ErrModbusAcknowledge)
}

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}
