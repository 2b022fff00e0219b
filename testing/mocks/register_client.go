package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
)

// RegisterWrite records one write on a MockRegisterClient.
type RegisterWrite struct {
	Address uint16
	Value   uint16
}

// MockRegisterClient is an in-memory dehumidifier.RegisterClient.
type MockRegisterClient struct {
	mu sync.Mutex

	Registers map[uint16]uint16

	// ReadErrors and WriteErrors fail single-register access to an address.
	ReadErrors  map[uint16]error
	WriteErrors map[uint16]error

	// BlockReadErr fails every ReadRegisters call with count > 1.
	BlockReadErr error

	// Delay is slept before every write, outside the lock.
	Delay time.Duration

	// OnRead runs before every read, outside the lock.
	OnRead func(address uint16)

	Writes     []RegisterWrite
	ReadCalls  int
	BlockReads int
}

// NewMockRegisterClient creates a client holding regs.
func NewMockRegisterClient(regs map[uint16]uint16) *MockRegisterClient {
	if regs == nil {
		regs = make(map[uint16]uint16)
	}
	return &MockRegisterClient{
		Registers:   regs,
		ReadErrors:  make(map[uint16]error),
		WriteErrors: make(map[uint16]error),
	}
}

// ReadRegister implements dehumidifier.RegisterClient.
func (m *MockRegisterClient) ReadRegister(ctx context.Context, address uint16) (uint16, error) {
	values, err := m.ReadRegisters(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// ReadRegisters implements dehumidifier.RegisterClient.
func (m *MockRegisterClient) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.OnRead != nil {
		m.OnRead(address)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadCalls++
	if count > 1 {
		m.BlockReads++
		if m.BlockReadErr != nil {
			return nil, m.BlockReadErr
		}
	}

	values := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		addr := address + i
		if err := m.ReadErrors[addr]; err != nil {
			return nil, err
		}
		v, ok := m.Registers[addr]
		if !ok {
			return nil, ProtocolError("read_registers", addr, domain.ErrModbusIllegalAddress)
		}
		values[i] = v
	}
	return values, nil
}

// WriteRegister implements dehumidifier.RegisterClient.
func (m *MockRegisterClient) WriteRegister(ctx context.Context, address, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.WriteErrors[address]; err != nil {
		return err
	}
	m.Writes = append(m.Writes, RegisterWrite{Address: address, Value: value})
	m.Registers[address] = value
	return nil
}

// GetWrites returns a copy of the recorded writes.
func (m *MockRegisterClient) GetWrites() []RegisterWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RegisterWrite, len(m.Writes))
	copy(out, m.Writes)
	return out
}

// Register returns a register value.
func (m *MockRegisterClient) Register(address uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Registers[address]
}

// SetRegister stores a register value.
func (m *MockRegisterClient) SetRegister(address, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registers[address] = value
}

// FailRead makes reads of address fail with err; nil clears it.
func (m *MockRegisterClient) FailRead(address uint16, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadErrors[address] = err
}

// ProtocolError builds the error a transport manager returns when the
// device rejects a request.
func ProtocolError(op string, address uint16, cause error) error {
	return &domain.OperationError{Op: op, Address: address, Kind: domain.ErrProtocol, Err: cause}
}

// LinkError builds the error a transport manager returns when the link fails.
func LinkError(op string, address uint16) error {
	return &domain.OperationError{Op: op, Address: address, Kind: domain.ErrLink, Err: fmt.Errorf("i/o timeout")}
}
