// Package simulator emulates a Medole dehumidifier as a Modbus TCP server.
package simulator

import (
	"sync"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/simonvetter/modbus"
)

// AmbientHumidity is where room humidity drifts while the compressor is off.
const AmbientHumidity = 65

const maxRequestLog = 256

// Request records one holding register request served by the bank.
type Request struct {
	At       time.Time
	UnitID   uint8
	Address  uint16
	Quantity uint16
	Write    bool
}

// Bank is the register file of one simulated unit. It implements
// modbus.RequestHandler for holding registers; every other table answers
// illegal function.
type Bank struct {
	unitID uint8

	mu       sync.Mutex
	regs     map[uint16]uint16
	writable map[uint16]bool
	fault    uint16
	ticks    uint64
	requests []Request
}

// NewBank creates a bank with the power-on defaults of the unit.
func NewBank(unitID uint8) *Bank {
	b := &Bank{
		unitID: unitID,
		regs: map[uint16]uint16{
			domain.RegTemperature1:      domain.EncodeTemperature(24.5),
			domain.RegHumidity1:         AmbientHumidity,
			domain.RegTemperature2:      domain.EncodeTemperature(23.8),
			domain.RegHumidity2:         AmbientHumidity - 2,
			domain.RegOperationStatus:   0,
			domain.RegPipeTemperature:   18,
			domain.RegFanOperationHours: 1200,
			domain.RegFanAlarmHours:     2000,

			domain.RegPower:            0,
			domain.RegFanSpeed:         domain.FanSpeedLow,
			domain.RegHumiditySetpoint: 50,
			domain.RegDehumidifyMode:   1,
			domain.RegPurifyMode:       0,

			domain.RegCurrentTime: 12<<8 | 0,
			domain.RegSeconds:     0,
			domain.RegWeekday:     1,
			domain.RegTimer:       0,
		},
		writable: map[uint16]bool{
			domain.RegPower:            true,
			domain.RegFanSpeed:         true,
			domain.RegHumiditySetpoint: true,
			domain.RegDehumidifyMode:   true,
			domain.RegPurifyMode:       true,
			domain.RegCurrentTime:      true,
			domain.RegSeconds:          true,
			domain.RegWeekday:          true,
			domain.RegTimer:            true,
		},
	}
	b.updateStatus()
	return b
}

// Get returns the value of a register and whether it exists.
func (b *Bank) Get(address uint16) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.regs[address]
	return v, ok
}

// Set overwrites a register, including read-only ones.
func (b *Bank) Set(address, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[address] = value
	b.updateStatus()
}

// SetFault raises the given status error bits until cleared with 0.
func (b *Bank) SetFault(bits uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = bits
	b.updateStatus()
}

// Requests returns the most recent requests, oldest first.
func (b *Bank) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// Step advances the room model by one tick. With the compressor running
// humidity falls by one point per tick, otherwise it drifts back toward
// AmbientHumidity.
func (b *Bank) Step() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ticks++
	humidity := b.regs[domain.RegHumidity1]
	if b.compressorOn() {
		if humidity > 0 {
			humidity--
		}
	} else if humidity < AmbientHumidity {
		humidity++
	} else if humidity > AmbientHumidity {
		humidity--
	}
	b.regs[domain.RegHumidity1] = humidity
	b.regs[domain.RegHumidity2] = humidity - min(humidity, 2)

	if b.regs[domain.RegPower] == 1 && b.ticks%720 == 0 {
		b.regs[domain.RegFanOperationHours]++
	}
	b.updateStatus()
}

// compressorOn runs the compressor while powered in dehumidify mode and
// the room is above the setpoint. Setpoint 0 means continuous operation.
func (b *Bank) compressorOn() bool {
	if b.regs[domain.RegPower] != 1 || b.regs[domain.RegDehumidifyMode] != 1 || b.fault != 0 {
		return false
	}
	setpoint := b.regs[domain.RegHumiditySetpoint]
	return setpoint == domain.ContinuousDehumidification || b.regs[domain.RegHumidity1] > setpoint
}

func (b *Bank) updateStatus() {
	status := b.fault
	if b.regs[domain.RegPower] == 1 {
		status |= domain.StatusFanOn
		if b.compressorOn() {
			status |= domain.StatusCompressorOn
		}
	}
	b.regs[domain.RegOperationStatus] = status
}

// HandleHoldingRegisters serves reads and writes. Every address in the
// range must exist, and for writes be writable, or the request fails with
// illegal data address.
func (b *Bank) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.UnitId != b.unitID {
		return nil, modbus.ErrIllegalFunction
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, Request{
		At:       time.Now(),
		UnitID:   req.UnitId,
		Address:  req.Addr,
		Quantity: req.Quantity,
		Write:    req.IsWrite,
	})
	if len(b.requests) > maxRequestLog {
		b.requests = b.requests[len(b.requests)-maxRequestLog:]
	}

	for i := uint16(0); i < req.Quantity; i++ {
		addr := req.Addr + i
		if _, ok := b.regs[addr]; !ok {
			return nil, modbus.ErrIllegalDataAddress
		}
		if req.IsWrite && !b.writable[addr] {
			return nil, modbus.ErrIllegalDataAddress
		}
	}

	res := make([]uint16, req.Quantity)
	for i := uint16(0); i < req.Quantity; i++ {
		addr := req.Addr + i
		if req.IsWrite {
			b.regs[addr] = req.Args[i]
		}
		res[i] = b.regs[addr]
	}
	if req.IsWrite {
		b.updateStatus()
	}
	return res, nil
}

// HandleCoils rejects coil access; the unit has none.
func (b *Bank) HandleCoils(*modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleDiscreteInputs rejects discrete input access.
func (b *Bank) HandleDiscreteInputs(*modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleInputRegisters rejects input register access; the unit exposes
// everything as holding registers.
func (b *Bank) HandleInputRegisters(*modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}
