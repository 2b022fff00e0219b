// Package mocks provides mock implementations for testing.
package mocks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/medole-gateway/internal/domain"
)

// TransportCall records one I/O operation on a MockTransport.
type TransportCall struct {
	Op      string
	Address uint16
	Count   uint16
	Values  []uint16
	Start   time.Time
	End     time.Time
}

// MockTransport is an in-memory modbus.Transport. Unset function overrides
// fall back to a register map.
type MockTransport struct {
	mu sync.Mutex

	// Function overrides
	OpenFunc          func() error
	CloseFunc         func() error
	ReadFunc          func(address, count uint16) ([]uint16, error)
	WriteSingleFunc   func(address, value uint16) error
	WriteMultipleFunc func(address uint16, values []uint16) error

	// Delay is slept inside every I/O call.
	Delay time.Duration

	// Call tracking
	OpenCalls  int
	CloseCalls int
	Calls      []TransportCall

	// Registers backs the default read and write behavior.
	Registers map[uint16]uint16

	open        atomic.Bool
	linkDown    atomic.Bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewMockTransport creates a mock transport with an empty register map.
func NewMockTransport() *MockTransport {
	return &MockTransport{Registers: make(map[uint16]uint16)}
}

// Open implements modbus.Transport.
func (m *MockTransport) Open() error {
	m.mu.Lock()
	m.OpenCalls++
	fn := m.OpenFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	m.open.Store(true)
	m.linkDown.Store(false)
	return nil
}

// Close implements modbus.Transport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	fn := m.CloseFunc
	m.mu.Unlock()

	m.open.Store(false)
	if fn != nil {
		return fn()
	}
	return nil
}

// Connected implements modbus.StatusReporter.
func (m *MockTransport) Connected() bool {
	return m.open.Load() && !m.linkDown.Load()
}

// DropLink makes Connected report false until the next Open.
func (m *MockTransport) DropLink() {
	m.linkDown.Store(true)
}

// ReadHoldingRegisters implements modbus.Transport.
func (m *MockTransport) ReadHoldingRegisters(address, count uint16) ([]uint16, error) {
	call := m.begin("read", address, count, nil)
	defer m.end(call)

	m.mu.Lock()
	fn := m.ReadFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(address, count)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	values := make([]uint16, count)
	for i := range values {
		values[i] = m.Registers[address+uint16(i)]
	}
	return values, nil
}

// WriteSingleRegister implements modbus.Transport.
func (m *MockTransport) WriteSingleRegister(address, value uint16) error {
	call := m.begin("write_single", address, 1, []uint16{value})
	defer m.end(call)

	m.mu.Lock()
	fn := m.WriteSingleFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(address, value)
	}

	m.mu.Lock()
	m.Registers[address] = value
	m.mu.Unlock()
	return nil
}

// WriteMultipleRegisters implements modbus.Transport.
func (m *MockTransport) WriteMultipleRegisters(address uint16, values []uint16) error {
	call := m.begin("write_multiple", address, uint16(len(values)), values)
	defer m.end(call)

	m.mu.Lock()
	fn := m.WriteMultipleFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(address, values)
	}

	m.mu.Lock()
	for i, v := range values {
		m.Registers[address+uint16(i)] = v
	}
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) begin(op string, address, count uint16, values []uint16) int {
	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, TransportCall{
		Op:      op,
		Address: address,
		Count:   count,
		Values:  append([]uint16(nil), values...),
		Start:   time.Now(),
	})
	idx := len(m.Calls) - 1
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return idx
}

func (m *MockTransport) end(idx int) {
	m.mu.Lock()
	m.Calls[idx].End = time.Now()
	m.mu.Unlock()
	m.inFlight.Add(-1)
}

// GetCalls returns a copy of the recorded I/O calls.
func (m *MockTransport) GetCalls() []TransportCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransportCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// MaxInFlight returns the highest number of concurrent I/O calls observed.
func (m *MockTransport) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// SetRegister stores a register value for the default read path.
func (m *MockTransport) SetRegister(address, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registers[address] = value
}

// Register returns a register value from the map.
func (m *MockTransport) Register(address uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Registers[address]
}

// MockFactory hands out transports and counts builds.
type MockFactory struct {
	mu sync.Mutex

	// NewFunc creates each transport; NewMockTransport when nil.
	NewFunc func(cfg domain.TransportConfig) (*MockTransport, error)

	Builds     int
	Transports []*MockTransport
}

// Build satisfies modbus.Factory.
func (f *MockFactory) Build(cfg domain.TransportConfig) (modbus.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Builds++

	var t *MockTransport
	if f.NewFunc != nil {
		var err error
		if t, err = f.NewFunc(cfg); err != nil {
			return nil, err
		}
	} else {
		t = NewMockTransport()
	}
	f.Transports = append(f.Transports, t)
	return t, nil
}

// BuildCount returns the number of Build calls.
func (f *MockFactory) BuildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Builds
}

// Last returns the most recently built transport.
func (f *MockFactory) Last() *MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Transports) == 0 {
		return nil
	}
	return f.Transports[len(f.Transports)-1]
}
