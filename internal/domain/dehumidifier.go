package domain

import (
	"strings"
	"time"
)

// Sensor registers (read-only).
const (
	RegTemperature1      uint16 = 0x6101
	RegHumidity1         uint16 = 0x6102
	RegTemperature2      uint16 = 0x6103
	RegHumidity2         uint16 = 0x6104
	RegOperationStatus   uint16 = 0x6105
	RegPipeTemperature   uint16 = 0x6106
	RegFanOperationHours uint16 = 0x6111
	RegFanAlarmHours     uint16 = 0x6112
)

// Control registers (read/write).
const (
	RegPower            uint16 = 0x6201
	RegFanSpeed         uint16 = 0x6202
	RegHumiditySetpoint uint16 = 0x6203
	RegDehumidifyMode   uint16 = 0x6205
	RegPurifyMode       uint16 = 0x6206
)

// Clock registers.
const (
	RegCurrentTime uint16 = 0x6401
	RegSeconds     uint16 = 0x6402
	RegWeekday     uint16 = 0x6403
	RegTimer       uint16 = 0x6404
)

// Operation status bits.
const (
	StatusCompressorOn        uint16 = 0x0080
	StatusFanOn               uint16 = 0x0040
	StatusPipeTempError       uint16 = 0x0010
	StatusHumiditySensorError uint16 = 0x0008
	StatusRoomTempError       uint16 = 0x0004
	StatusWaterFullError      uint16 = 0x0002
	StatusHighPressureError   uint16 = 0x0800
	StatusLowPressureError    uint16 = 0x0400
)

// Fan speeds.
const (
	FanSpeedLow    uint16 = 1
	FanSpeedMedium uint16 = 2
	FanSpeedHigh   uint16 = 3
)

// Humidity setpoint bounds. A setpoint of ContinuousDehumidification runs
// the compressor regardless of room humidity.
const (
	MinHumidity                = 20
	MaxHumidity                = 90
	ContinuousDehumidification = 0
)

// Mode is the preset mode of the dehumidifier.
type Mode string

const (
	ModeDehumidify      Mode = "Dehumidify"
	ModeAirPurification Mode = "Air Purification"
)

// AvailableModes lists the modes accepted by SetMode.
var AvailableModes = []Mode{ModeDehumidify, ModeAirPurification}

// ParseMode matches s against the available modes, ignoring case.
func ParseMode(s string) (Mode, error) {
	for _, m := range AvailableModes {
		if strings.EqualFold(string(m), strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", ErrInvalidMode
}

// Action is what the unit is doing right now.
type Action string

const (
	ActionOff    Action = "off"
	ActionDrying Action = "drying"
	ActionIdle   Action = "idle"
)

// StatusFlags is the decoded operation status register.
type StatusFlags struct {
	Raw                 uint16 `json:"raw"`
	CompressorOn        bool   `json:"compressor_on"`
	FanOn               bool   `json:"fan_on"`
	PipeTempError       bool   `json:"pipe_temp_error"`
	HumiditySensorError bool   `json:"humidity_sensor_error"`
	RoomTempError       bool   `json:"room_temp_error"`
	WaterFullError      bool   `json:"water_full_error"`
	HighPressureError   bool   `json:"high_pressure_error"`
	LowPressureError    bool   `json:"low_pressure_error"`
}

// DecodeStatus splits the operation status register into flags.
func DecodeStatus(raw uint16) StatusFlags {
	return StatusFlags{
		Raw:                 raw,
		CompressorOn:        raw&StatusCompressorOn != 0,
		FanOn:               raw&StatusFanOn != 0,
		PipeTempError:       raw&StatusPipeTempError != 0,
		HumiditySensorError: raw&StatusHumiditySensorError != 0,
		RoomTempError:       raw&StatusRoomTempError != 0,
		WaterFullError:      raw&StatusWaterFullError != 0,
		HighPressureError:   raw&StatusHighPressureError != 0,
		LowPressureError:    raw&StatusLowPressureError != 0,
	}
}

// Errors lists the active fault names in register bit order.
func (s StatusFlags) Errors() []string {
	var errs []string
	if s.PipeTempError {
		errs = append(errs, "pipe_temp_error")
	}
	if s.HumiditySensorError {
		errs = append(errs, "humidity_sensor_error")
	}
	if s.RoomTempError {
		errs = append(errs, "room_temp_error")
	}
	if s.WaterFullError {
		errs = append(errs, "water_full_error")
	}
	if s.HighPressureError {
		errs = append(errs, "high_pressure_error")
	}
	if s.LowPressureError {
		errs = append(errs, "low_pressure_error")
	}
	return errs
}

// String renders the status the way the unit's panel reports it: faults
// first, then compressor, then fan.
func (s StatusFlags) String() string {
	if errs := s.Errors(); len(errs) > 0 {
		return "Error: " + strings.Join(errs, ", ")
	}
	switch {
	case s.CompressorOn:
		return "Dehumidifying"
	case s.FanOn:
		return "Fan Only"
	default:
		return "Idle"
	}
}

// StatusCommunicationError is reported when the status register is unreadable.
const StatusCommunicationError = "Communication Error"

// DecodeTemperature converts a temperature register. The low byte holds the
// integer degrees and the high byte the tenths.
func DecodeTemperature(raw uint16) float64 {
	return float64(raw&0xFF) + float64((raw>>8)&0xFF)/10
}

// EncodeTemperature is the inverse of DecodeTemperature for values in 0..255.9.
func EncodeTemperature(celsius float64) uint16 {
	if celsius < 0 {
		celsius = 0
	}
	whole := uint16(celsius)
	if whole > 0xFF {
		whole = 0xFF
	}
	tenths := uint16((celsius-float64(whole))*10+0.5) % 10
	return tenths<<8 | whole
}

// ClampHumidity bounds a requested setpoint to what the unit accepts.
func ClampHumidity(v int) int {
	if v < MinHumidity {
		return MinHumidity
	}
	if v > MaxHumidity {
		return MaxHumidity
	}
	return v
}

// State is the high-level view of one dehumidifier.
type State struct {
	DeviceID        string       `json:"device_id"`
	IsOn            bool         `json:"is_on"`
	Action          Action       `json:"action"`
	Mode            Mode         `json:"mode"`
	TargetHumidity  int          `json:"target_humidity"`
	CurrentHumidity *int         `json:"current_humidity,omitempty"`
	Status          StatusFlags  `json:"status_flags"`
	StatusText      string       `json:"status"`
	Sensors         SensorValues `json:"sensors"`
	Available       bool         `json:"available"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SensorValues holds the auxiliary measurements. A nil field was not
// readable on the last refresh.
type SensorValues struct {
	Temperature1      *float64 `json:"temperature_1,omitempty"`
	Temperature2      *float64 `json:"temperature_2,omitempty"`
	Humidity1         *int     `json:"humidity_1,omitempty"`
	Humidity2         *int     `json:"humidity_2,omitempty"`
	PipeTemperature   *int     `json:"pipe_temperature,omitempty"`
	FanOperationHours *int     `json:"fan_operation_hours,omitempty"`
	FanAlarmHours     *int     `json:"fan_alarm_hours,omitempty"`
}
