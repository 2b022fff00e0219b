// Package domain contains the core business entities and interfaces.
// These are transport-agnostic and represent the core concepts of the system.
package domain

import (
	"fmt"
	"time"
)

// DefaultPollInterval matches the refresh rate of the device's own display.
const DefaultPollInterval = 5 * time.Second

// MinPollInterval keeps a single device from monopolizing a shared link.
const MinPollInterval = time.Second

// DeviceStatus represents the current operational status of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusError   DeviceStatus = "error"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// Device represents one configured dehumidifier.
type Device struct {
	// ID is the unique identifier for this device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Connection describes the link and slave address of the device
	Connection TransportConfig `json:"connection" yaml:"connection"`

	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Enabled indicates whether this device should be actively polled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// TopicPrefix is the MQTT prefix for this device's topics,
	// e.g. "home/basement/dehumidifier"
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate performs validation on the device configuration.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.Name == "" {
		return ErrDeviceNameRequired
	}
	if d.PollInterval < MinPollInterval {
		return ErrPollIntervalTooShort
	}
	if d.TopicPrefix == "" {
		return ErrTopicPrefixRequired
	}
	if err := d.Connection.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("device %s: %w", d.ID, err)
	}
	return nil
}

// StateTopic is where polled state is published.
func (d *Device) StateTopic() string {
	return d.TopicPrefix + "/state"
}

// ResponseTopic is where command results are published.
func (d *Device) ResponseTopic() string {
	return d.TopicPrefix + "/response"
}

// CommandTopic is where commands for the device arrive.
func (d *Device) CommandTopic() string {
	return d.TopicPrefix + "/set"
}
