// Package dehumidifier translates Medole IN-D17 holding registers into
// high-level state and commands.
package dehumidifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// RegisterClient is the register surface used by a Controller. A transport
// manager satisfies it.
type RegisterClient interface {
	ReadRegister(ctx context.Context, address uint16) (uint16, error)
	ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error)
	WriteRegister(ctx context.Context, address, value uint16) error
}

// Controller holds the cached state of one dehumidifier and drives it
// through a RegisterClient.
type Controller struct {
	device *domain.Device
	client RegisterClient
	logger zerolog.Logger

	// seqMu is held for a whole command or refresh so register sequences
	// never interleave and a refresh cannot commit over a newer command.
	seqMu sync.Mutex

	mu        sync.RWMutex
	state     domain.State
	available bool
	lastError error
}

// New creates a controller. Nothing is read until Refresh.
func New(device *domain.Device, client RegisterClient, logger zerolog.Logger) *Controller {
	return &Controller{
		device: device,
		client: client,
		logger: logging.WithDeviceContext(logger, device.ID, device.Name),
		state: domain.State{
			DeviceID:       device.ID,
			Action:         domain.ActionOff,
			Mode:           domain.ModeDehumidify,
			TargetHumidity: domain.MinHumidity,
			StatusText:     domain.StatusCommunicationError,
		},
	}
}

// Device returns the device configuration.
func (c *Controller) Device() *domain.Device {
	return c.device
}

// State returns a copy of the cached state.
func (c *Controller) State() domain.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.Available = c.available
	return s
}

// LastError returns the error of the most recent refresh or command, if any.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Refresh reads power, status, setpoint, mode and humidity. A failed power
// read aborts with the cached state untouched; any other failed read keeps
// the previous value of that field. The returned error joins every failure.
func (c *Controller) Refresh(ctx context.Context) error {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	power, err := c.client.ReadRegister(ctx, domain.RegPower)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read power status")
		c.setResult(nil, err)
		return fmt.Errorf("read power: %w", err)
	}

	c.mu.RLock()
	next := c.state
	c.mu.RUnlock()

	var errs []error
	next.IsOn = power == 1

	if raw, err := c.client.ReadRegister(ctx, domain.RegOperationStatus); err != nil {
		c.logger.Error().Err(err).Msg("Failed to read operation status")
		next.StatusText = domain.StatusCommunicationError
		errs = append(errs, fmt.Errorf("read status: %w", err))
	} else {
		next.Status = domain.DecodeStatus(raw)
		next.StatusText = next.Status.String()
		next.Action = actionFor(next.IsOn, next.Status)
	}

	if setpoint, err := c.client.ReadRegister(ctx, domain.RegHumiditySetpoint); err != nil {
		c.logger.Error().Err(err).Msg("Failed to read humidity setpoint")
		errs = append(errs, fmt.Errorf("read setpoint: %w", err))
	} else if setpoint == domain.ContinuousDehumidification {
		next.TargetHumidity = domain.MinHumidity
	} else {
		next.TargetHumidity = int(setpoint)
	}

	if modes, err := c.readBlock(ctx, domain.RegDehumidifyMode, 2); err != nil {
		c.logger.Error().Err(err).Msg("Failed to read mode registers")
		errs = append(errs, fmt.Errorf("read mode: %w", err))
	} else {
		next.Mode = modeFor(modes[0] == 1, modes[1] == 1)
	}

	if humidity, err := c.client.ReadRegister(ctx, domain.RegHumidity1); err != nil {
		c.logger.Error().Err(err).Msg("Failed to read current humidity")
		errs = append(errs, fmt.Errorf("read humidity: %w", err))
	} else {
		h := int(humidity)
		next.CurrentHumidity = &h
	}

	next.UpdatedAt = time.Now()
	joined := errors.Join(errs...)
	c.setResult(&next, joined)
	return joined
}

// ReadSensors reads the auxiliary temperature, humidity and fan counters.
// Unreadable values are cleared.
func (c *Controller) ReadSensors(ctx context.Context) error {
	var sensors domain.SensorValues
	var errs []error

	block, err := c.readBlock(ctx, domain.RegTemperature1, domain.RegPipeTemperature-domain.RegTemperature1+1)
	if err != nil {
		errs = append(errs, fmt.Errorf("read climate sensors: %w", err))
	} else {
		t1 := domain.DecodeTemperature(block[0])
		h1 := int(block[1])
		t2 := domain.DecodeTemperature(block[2])
		h2 := int(block[3])
		pipe := int(block[5])
		sensors.Temperature1, sensors.Humidity1 = &t1, &h1
		sensors.Temperature2, sensors.Humidity2 = &t2, &h2
		sensors.PipeTemperature = &pipe
	}

	hours, err := c.readBlock(ctx, domain.RegFanOperationHours, 2)
	if err != nil {
		errs = append(errs, fmt.Errorf("read fan hours: %w", err))
	} else {
		op, alarm := int(hours[0]), int(hours[1])
		sensors.FanOperationHours, sensors.FanAlarmHours = &op, &alarm
	}

	joined := errors.Join(errs...)
	if joined != nil {
		c.logger.Warn().Err(joined).Msg("Failed to read sensors")
	}

	c.mu.Lock()
	c.state.Sensors = sensors
	c.mu.Unlock()
	return joined
}

// TurnOn starts the unit in dehumidify mode with the fan on high.
func (c *Controller) TurnOn(ctx context.Context) error {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	err := c.writeSequence(ctx, "turn on",
		registerWrite{domain.RegFanSpeed, domain.FanSpeedHigh},
		registerWrite{domain.RegPower, 1},
		registerWrite{domain.RegDehumidifyMode, 1},
		registerWrite{domain.RegPurifyMode, 0},
	)
	if err != nil {
		return err
	}
	c.update(func(s *domain.State) {
		s.IsOn = true
		s.Mode = domain.ModeDehumidify
	})
	c.logger.Info().Msg("Turned on")
	return nil
}

// TurnOff powers the unit down.
func (c *Controller) TurnOff(ctx context.Context) error {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if err := c.writeSequence(ctx, "turn off", registerWrite{domain.RegPower, 0}); err != nil {
		return err
	}
	c.update(func(s *domain.State) {
		s.IsOn = false
		s.Action = domain.ActionOff
	})
	c.logger.Info().Msg("Turned off")
	return nil
}

// SetMode switches between dehumidify and air purification. Both run the fan
// on high; dehumidify keeps purification enabled alongside.
func (c *Controller) SetMode(ctx context.Context, mode domain.Mode) error {
	var writes []registerWrite
	switch mode {
	case domain.ModeAirPurification:
		writes = []registerWrite{
			{domain.RegFanSpeed, domain.FanSpeedHigh},
			{domain.RegDehumidifyMode, 0},
			{domain.RegPurifyMode, 1},
		}
	case domain.ModeDehumidify:
		writes = []registerWrite{
			{domain.RegFanSpeed, domain.FanSpeedHigh},
			{domain.RegPurifyMode, 1},
			{domain.RegDehumidifyMode, 1},
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidMode, mode)
	}

	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if err := c.writeSequence(ctx, "set mode", writes...); err != nil {
		return err
	}
	c.update(func(s *domain.State) {
		s.Mode = mode
	})
	c.logger.Info().Str("mode", string(mode)).Msg("Switched mode")
	return nil
}

// SetHumidity clamps the target to the supported range and writes it.
// It returns the value actually written.
func (c *Controller) SetHumidity(ctx context.Context, humidity int) (int, error) {
	target := domain.ClampHumidity(humidity)

	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if err := c.writeSequence(ctx, "set humidity", registerWrite{domain.RegHumiditySetpoint, uint16(target)}); err != nil {
		return 0, err
	}
	c.update(func(s *domain.State) {
		s.TargetHumidity = target
	})
	c.logger.Info().Int("requested", humidity).Int("target", target).Msg("Set target humidity")
	return target, nil
}

type registerWrite struct {
	address uint16
	value   uint16
}

// writeSequence applies writes in order and stops at the first failure.
func (c *Controller) writeSequence(ctx context.Context, action string, writes ...registerWrite) error {
	for _, w := range writes {
		if err := c.client.WriteRegister(ctx, w.address, w.value); err != nil {
			c.logger.Error().
				Err(err).
				Str("action", action).
				Str("register", fmt.Sprintf("0x%04X", w.address)).
				Msg("Command failed")
			c.setError(err)
			return fmt.Errorf("%s: %w", action, err)
		}
	}
	c.setError(nil)
	return nil
}

// readBlock reads count consecutive registers in one request and falls back
// to single reads when the device rejects block access.
func (c *Controller) readBlock(ctx context.Context, start, count uint16) ([]uint16, error) {
	values, err := c.client.ReadRegisters(ctx, start, count)
	if err == nil || !errors.Is(err, domain.ErrProtocol) {
		return values, err
	}

	c.logger.Debug().Err(err).Msg("Block read rejected, reading registers individually")
	values = make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		v, err := c.client.ReadRegister(ctx, start+i)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func (c *Controller) update(fn func(*domain.State)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
}

// setResult commits a refreshed state (when non-nil) and records err.
func (c *Controller) setResult(next *domain.State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next != nil {
		next.Sensors = c.state.Sensors
		c.state = *next
		c.available = true
	} else {
		c.available = false
	}
	c.lastError = err
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

func actionFor(on bool, status domain.StatusFlags) domain.Action {
	switch {
	case !on:
		return domain.ActionOff
	case status.CompressorOn:
		return domain.ActionDrying
	default:
		return domain.ActionIdle
	}
}

// modeFor resolves the two mode registers. Dehumidify wins when both are
// set and is the default when neither is.
func modeFor(dehumidify, purify bool) domain.Mode {
	if !dehumidify && purify {
		return domain.ModeAirPurification
	}
	return domain.ModeDehumidify
}
