package modbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/nexus-edge/medole-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// RequestGap is the minimum spacing between two I/O operations on one link.
// The unit's controller drops frames when polled faster.
const RequestGap = 50 * time.Millisecond

type opKind string

const (
	opRead          opKind = "read_registers"
	opWriteSingle   opKind = "write_register"
	opWriteMultiple opKind = "write_registers"
)

type request struct {
	op      opKind
	address uint16
	count   uint16
	values  []uint16
}

type response struct {
	values []uint16
	err    error
}

// Manager owns one transport handle and serializes every register operation
// on it. At most one operation is in flight per Manager, and consecutive
// operations start at least RequestGap apart.
type Manager struct {
	identity domain.ConnectionIdentity
	config   domain.TransportConfig
	factory  Factory
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stats    *managerStats

	// mu guards every field below.
	mu          sync.Mutex
	transport   Transport
	connected   bool
	lastRequest time.Time
}

// NewManager builds the transport for cfg through factory (Build when nil)
// without opening it. The only error is ErrConfiguration.
func NewManager(cfg domain.TransportConfig, factory Factory, logger zerolog.Logger, metricsReg *metrics.Registry) (*Manager, error) {
	if factory == nil {
		factory = Build
	}
	cfg = cfg.WithDefaults()

	transport, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	identity := cfg.Identity()
	return &Manager{
		identity:  identity,
		config:    cfg,
		factory:   factory,
		logger:    logging.WithConnection(logger, identity.String(), string(cfg.Kind)),
		metrics:   metricsReg,
		stats:     newManagerStats(identity.String()),
		transport: transport,
	}, nil
}

// Identity returns the connection identity this manager serves.
func (m *Manager) Identity() domain.ConnectionIdentity {
	return m.identity
}

// Config returns the defaulted transport configuration.
func (m *Manager) Config() domain.TransportConfig {
	return m.config
}

// ReadRegisters reads count holding registers starting at address.
func (m *Manager) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	if err := validateReadCount(count); err != nil {
		return nil, m.rejected(opRead, address, err)
	}
	return m.submit(ctx, request{op: opRead, address: address, count: count})
}

// ReadRegister reads a single holding register.
func (m *Manager) ReadRegister(ctx context.Context, address uint16) (uint16, error) {
	values, err := m.ReadRegisters(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// WriteRegister writes one holding register (function 0x06).
func (m *Manager) WriteRegister(ctx context.Context, address, value uint16) error {
	_, err := m.submit(ctx, request{op: opWriteSingle, address: address, count: 1, values: []uint16{value}})
	return err
}

// WriteRegisters writes consecutive holding registers (function 0x10).
func (m *Manager) WriteRegisters(ctx context.Context, address uint16, values []uint16) error {
	if err := validateWriteCount(len(values)); err != nil {
		return m.rejected(opWriteMultiple, address, err)
	}
	owned := make([]uint16, len(values))
	copy(owned, values)
	_, err := m.submit(ctx, request{op: opWriteMultiple, address: address, count: uint16(len(owned)), values: owned})
	return err
}

// Close releases the link. The handle is kept and reopened by the next
// operation. Closing a closed manager is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.transport == nil {
		return nil
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing Modbus link")
	}
	m.setConnected(false)
	m.logger.Debug().Msg("Closed Modbus link")
	return nil
}

// Connected reports the cached link state. It waits for any in-flight
// operation to finish.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() ManagerStats {
	return m.stats.snapshot()
}

// submit runs req on a worker goroutine. A caller whose ctx ends stops
// waiting; the operation itself still runs to completion under the lock and
// its result is dropped.
func (m *Manager) submit(ctx context.Context, req request) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan response, 1)
	go func() {
		done <- m.execute(req)
	}()

	select {
	case res := <-done:
		return res.values, res.err
	case <-ctx.Done():
		m.metrics.RecordAbandoned(string(req.op))
		return nil, ctx.Err()
	}
}

func (m *Manager) execute(req request) response {
	waitStart := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.RecordLockWait(time.Since(waitStart).Seconds())

	if !m.ensureConnected() {
		return response{err: m.fail(req, domain.ErrDisconnected, nil, 0)}
	}

	m.throttle()

	start := time.Now()
	values, err := m.perform(req)
	wire := time.Since(start)

	if err != nil {
		kind, cause := classifyError(err)
		if errors.Is(kind, domain.ErrLink) {
			m.discardTransport()
		}
		return response{err: m.fail(req, kind, cause, wire)}
	}

	m.stats.recordSuccess(req.op)
	m.metrics.RecordOperation(string(req.op), metrics.ResultOK, wire.Seconds())
	return response{values: values}
}

func (m *Manager) perform(req request) ([]uint16, error) {
	switch req.op {
	case opRead:
		return m.transport.ReadHoldingRegisters(req.address, req.count)
	case opWriteSingle:
		return nil, m.transport.WriteSingleRegister(req.address, req.values[0])
	default:
		return nil, m.transport.WriteMultipleRegisters(req.address, req.values)
	}
}

// ensureConnected returns true when a usable link is open. It never returns
// an error; failures leave connected false.
func (m *Manager) ensureConnected() bool {
	if m.connected && m.transport != nil {
		sr, ok := m.transport.(StatusReporter)
		if !ok || sr.Connected() {
			return true
		}
		m.logger.Debug().Msg("Transport reports link down, reopening")
		_ = m.transport.Close()
		m.setConnected(false)
	}

	if m.transport == nil {
		transport, err := m.factory(m.config)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to rebuild transport")
			return false
		}
		m.transport = transport
	}

	start := time.Now()
	err := m.transport.Open()
	m.metrics.RecordConnect(string(m.config.Kind), err == nil, time.Since(start).Seconds())
	if err != nil {
		m.stats.recordConnect(false)
		m.logger.Warn().Err(err).Msg("Failed to connect to Modbus device")
		return false
	}

	m.stats.recordConnect(true)
	m.setConnected(true)
	m.logger.Info().Msg("Connected to Modbus device")
	return true
}

// throttle sleeps out the rest of RequestGap and stamps the request time
// immediately before I/O.
func (m *Manager) throttle() {
	if !m.lastRequest.IsZero() {
		if wait := RequestGap - time.Since(m.lastRequest); wait > 0 {
			time.Sleep(wait)
			m.stats.throttled.Add(1)
			m.metrics.RecordThrottle(wait.Seconds())
		}
	}
	m.lastRequest = time.Now()
}

// discardTransport closes and drops the handle after a link failure so the
// next operation builds and opens a fresh one.
func (m *Manager) discardTransport() {
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing failed link")
		}
		m.transport = nil
	}
	m.setConnected(false)
}

func (m *Manager) setConnected(connected bool) {
	if m.connected == connected {
		return
	}
	m.connected = connected
	m.stats.connected.Store(connected)
	if connected {
		m.metrics.ConnectionOpened()
	} else {
		m.metrics.ConnectionClosed()
	}
}

// fail builds, logs and records an operation error.
func (m *Manager) fail(req request, kind, cause error, wire time.Duration) error {
	opErr := &domain.OperationError{
		Op:       string(req.op),
		Address:  req.address,
		Identity: m.identity,
		Kind:     kind,
		Err:      cause,
	}
	m.stats.recordFailure(opErr)
	m.metrics.RecordOperation(string(req.op), resultLabel(opErr), wire.Seconds())

	event := m.logger.Warn()
	if errors.Is(kind, domain.ErrProtocol) {
		event = m.logger.Info()
	}
	event.Err(cause).
		Str("op", string(req.op)).
		Str("address", formatAddress(req.address)).
		Uint16("count", req.count).
		Str("class", kind.Error()).
		Msg("Modbus operation failed")
	return opErr
}

// rejected reports a request refused before reaching the link.
func (m *Manager) rejected(op opKind, address uint16, cause error) error {
	opErr := &domain.OperationError{
		Op:       string(op),
		Address:  address,
		Identity: m.identity,
		Kind:     domain.ErrProtocol,
		Err:      cause,
	}
	m.stats.recordFailure(opErr)
	m.metrics.RecordOperation(string(op), metrics.ResultProtocolError, 0)
	return opErr
}
