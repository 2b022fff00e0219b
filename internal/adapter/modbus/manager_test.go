package modbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gbmodbus "github.com/goburrow/modbus"
	"github.com/nexus-edge/medole-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/nexus-edge/medole-gateway/testing/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func tcpConfig() domain.TransportConfig {
	return domain.TransportConfig{Kind: domain.TransportTCP, Host: "10.0.0.5", Port: 502, SlaveID: 1}
}

func newTestManager(t *testing.T, factory *mocks.MockFactory) *modbus.Manager {
	t.Helper()
	m, err := modbus.NewManager(tcpConfig(), factory.Build, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

// =============================================================================
// Basic Operation Tests
// =============================================================================

// TestManager_WriteThenRead tests that a written register reads back.
func TestManager_WriteThenRead(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)
	ctx := context.Background()

	if err := m.WriteRegister(ctx, domain.RegPower, 3); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	got, err := m.ReadRegisters(ctx, domain.RegPower, 1)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("expected [3], got %v", got)
	}
	if !m.Connected() {
		t.Error("expected manager to be connected")
	}
}

// TestManager_ReadMultiple tests that a multi-register read returns count values.
func TestManager_ReadMultiple(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)

	tr := factory.Last()
	tr.SetRegister(0x6101, 10)
	tr.SetRegister(0x6102, 20)
	tr.SetRegister(0x6103, 30)

	got, err := m.ReadRegisters(context.Background(), 0x6101, 3)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	want := []uint16{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

// TestManager_WriteRegisters tests a multi-register write.
func TestManager_WriteRegisters(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)

	values := []uint16{1, 0}
	if err := m.WriteRegisters(context.Background(), domain.RegDehumidifyMode, values); err != nil {
		t.Fatalf("WriteRegisters failed: %v", err)
	}
	tr := factory.Last()
	if tr.Register(domain.RegDehumidifyMode) != 1 || tr.Register(domain.RegPurifyMode) != 0 {
		t.Errorf("unexpected registers after write: %d, %d",
			tr.Register(domain.RegDehumidifyMode), tr.Register(domain.RegPurifyMode))
	}
	calls := tr.GetCalls()
	if len(calls) != 1 || calls[0].Op != "write_multiple" {
		t.Errorf("expected one write_multiple call, got %+v", calls)
	}
}

// TestManager_InvalidCount tests that out-of-range counts never reach the link.
func TestManager_InvalidCount(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"read zero", func() error { _, err := m.ReadRegisters(ctx, 0x6101, 0); return err }},
		{"read too many", func() error { _, err := m.ReadRegisters(ctx, 0x6101, 126); return err }},
		{"write none", func() error { return m.WriteRegisters(ctx, 0x6201, nil) }},
		{"write too many", func() error { return m.WriteRegisters(ctx, 0x6201, make([]uint16, 124)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, domain.ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
			if !errors.Is(err, domain.ErrInvalidRegisterCount) {
				t.Errorf("expected ErrInvalidRegisterCount, got %v", err)
			}
		})
	}

	if calls := factory.Last().GetCalls(); len(calls) != 0 {
		t.Errorf("expected no I/O, got %d calls", len(calls))
	}
}

// =============================================================================
// Serialization and Throttling Tests
// =============================================================================

// TestManager_SerializesConcurrentCallers tests that concurrent operations
// never overlap and start at least RequestGap apart.
func TestManager_SerializesConcurrentCallers(t *testing.T) {
	factory := &mocks.MockFactory{
		NewFunc: func(domain.TransportConfig) (*mocks.MockTransport, error) {
			tr := mocks.NewMockTransport()
			tr.Delay = 5 * time.Millisecond
			return tr, nil
		},
	}
	m := newTestManager(t, factory)

	const callers = 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := m.ReadRegister(context.Background(), domain.RegPower)
				errs <- err
			} else {
				errs <- m.WriteRegister(context.Background(), domain.RegFanSpeed, uint16(i))
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("operation failed: %v", err)
		}
	}

	tr := factory.Last()
	if got := tr.MaxInFlight(); got != 1 {
		t.Errorf("expected at most 1 operation in flight, got %d", got)
	}

	calls := tr.GetCalls()
	if len(calls) != callers {
		t.Fatalf("expected %d calls, got %d", callers, len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if calls[i].Start.Before(calls[i-1].End) {
			t.Errorf("call %d started before call %d finished", i, i-1)
		}
		if gap := calls[i].Start.Sub(calls[i-1].Start); gap < modbus.RequestGap-time.Millisecond {
			t.Errorf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

// TestManager_FirstRequestNotDelayed tests that an idle link is not throttled.
func TestManager_FirstRequestNotDelayed(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)

	start := time.Now()
	if _, err := m.ReadRegister(context.Background(), domain.RegPower); err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= modbus.RequestGap {
		t.Errorf("first request took %v, expected no throttle", elapsed)
	}
}

// =============================================================================
// Error Classification Tests
// =============================================================================

// TestManager_LinkErrorRebuildsTransport tests that a link failure discards
// the handle and the next operation builds a fresh one.
func TestManager_LinkErrorRebuildsTransport(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)

	first := factory.Last()
	first.ReadFunc = func(uint16, uint16) ([]uint16, error) {
		return nil, errors.New("read tcp 10.0.0.5:502: i/o timeout")
	}

	_, err := m.ReadRegister(context.Background(), domain.RegPower)
	if !errors.Is(err, domain.ErrLink) {
		t.Fatalf("expected ErrLink, got %v", err)
	}
	var opErr *domain.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *domain.OperationError, got %T", err)
	}
	if opErr.Address != domain.RegPower {
		t.Errorf("expected address 0x%04X, got 0x%04X", domain.RegPower, opErr.Address)
	}
	if m.Connected() {
		t.Error("expected manager to be disconnected after link error")
	}
	if first.CloseCalls == 0 {
		t.Error("expected failed transport to be closed")
	}

	if _, err := m.ReadRegister(context.Background(), domain.RegPower); err != nil {
		t.Fatalf("read after link error failed: %v", err)
	}
	if got := factory.BuildCount(); got != 2 {
		t.Errorf("expected 2 transport builds, got %d", got)
	}
	if factory.Last() == first {
		t.Error("expected a new transport after link error")
	}
	if !m.Connected() {
		t.Error("expected manager to be connected after recovery")
	}
}

// TestManager_ProtocolErrorKeepsConnection tests that an exception response
// leaves the link open.
func TestManager_ProtocolErrorKeepsConnection(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)

	tr := factory.Last()
	tr.WriteSingleFunc = func(uint16, uint16) error {
		return &gbmodbus.ModbusError{FunctionCode: 0x86, ExceptionCode: 0x02}
	}

	err := m.WriteRegister(context.Background(), domain.RegOperationStatus, 1)
	if !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if !errors.Is(err, domain.ErrModbusIllegalAddress) {
		t.Errorf("expected ErrModbusIllegalAddress, got %v", err)
	}
	if errors.Is(err, domain.ErrLink) {
		t.Error("protocol error must not match ErrLink")
	}
	if !m.Connected() {
		t.Error("expected manager to stay connected after protocol error")
	}
	if got := factory.BuildCount(); got != 1 {
		t.Errorf("expected no rebuild, got %d builds", got)
	}
	if tr.OpenCalls != 1 {
		t.Errorf("expected 1 open, got %d", tr.OpenCalls)
	}
}

// TestManager_DisconnectedWhenOpenFails tests that an unreachable device
// fails fast without I/O.
func TestManager_DisconnectedWhenOpenFails(t *testing.T) {
	factory := &mocks.MockFactory{
		NewFunc: func(domain.TransportConfig) (*mocks.MockTransport, error) {
			tr := mocks.NewMockTransport()
			tr.OpenFunc = func() error { return errors.New("dial tcp 10.0.0.5:502: connection refused") }
			return tr, nil
		},
	}
	m := newTestManager(t, factory)

	_, err := m.ReadRegister(context.Background(), domain.RegPower)
	if !errors.Is(err, domain.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if len(factory.Last().GetCalls()) != 0 {
		t.Error("expected no I/O on a closed link")
	}

	stats := m.Stats()
	if stats.ConnectFailures != 1 || stats.Disconnected != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestManager_ReopensWhenLinkReportsDown tests that a transport reporting
// its link down is reopened before the next operation.
func TestManager_ReopensWhenLinkReportsDown(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)
	ctx := context.Background()

	if _, err := m.ReadRegister(ctx, domain.RegPower); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	tr := factory.Last()
	tr.DropLink()

	if _, err := m.ReadRegister(ctx, domain.RegPower); err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if tr.OpenCalls != 2 {
		t.Errorf("expected 2 opens, got %d", tr.OpenCalls)
	}
	if got := factory.BuildCount(); got != 1 {
		t.Errorf("expected the same transport to be reused, got %d builds", got)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestManager_CloseIsIdempotent tests repeated Close and reopen on next use.
func TestManager_CloseIsIdempotent(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)
	ctx := context.Background()

	if err := m.Close(); err != nil {
		t.Fatalf("Close on unopened manager failed: %v", err)
	}
	if _, err := m.ReadRegister(ctx, domain.RegPower); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	tr := factory.Last()
	if tr.CloseCalls != 1 {
		t.Errorf("expected 1 transport close, got %d", tr.CloseCalls)
	}
	if m.Connected() {
		t.Error("expected manager to be disconnected after Close")
	}

	if _, err := m.ReadRegister(ctx, domain.RegPower); err != nil {
		t.Fatalf("read after Close failed: %v", err)
	}
	if factory.BuildCount() != 1 || tr.OpenCalls != 2 {
		t.Errorf("expected reopen of the kept handle, got %d builds and %d opens", factory.BuildCount(), tr.OpenCalls)
	}
}

// TestManager_ContextCancelled tests that a caller stops waiting when its
// context ends while the operation itself completes.
func TestManager_ContextCancelled(t *testing.T) {
	factory := &mocks.MockFactory{
		NewFunc: func(domain.TransportConfig) (*mocks.MockTransport, error) {
			tr := mocks.NewMockTransport()
			tr.Delay = 150 * time.Millisecond
			return tr, nil
		},
	}
	m := newTestManager(t, factory)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.WriteRegister(ctx, domain.RegHumiditySetpoint, 45)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for factory.Last().Register(domain.RegHumiditySetpoint) != 45 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned write never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestManager_AbandonedOperationCountedOnce tests that an operation whose
// caller gave up is counted once, by its real outcome.
func TestManager_AbandonedOperationCountedOnce(t *testing.T) {
	factory := &mocks.MockFactory{
		NewFunc: func(domain.TransportConfig) (*mocks.MockTransport, error) {
			tr := mocks.NewMockTransport()
			tr.Delay = 100 * time.Millisecond
			return tr, nil
		},
	}
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	m, err := modbus.NewManager(tcpConfig(), factory.Build, zerolog.Nop(), reg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WriteRegister(ctx, domain.RegHumiditySetpoint, 45); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(reg.Operations.WithLabelValues("write_register", metrics.ResultOK)) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned write never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := testutil.CollectAndCount(reg.Operations); got != 1 {
		t.Errorf("expected a single operation series, got %d", got)
	}
	if got := testutil.ToFloat64(reg.AbandonedWaits.WithLabelValues("write_register")); got != 1 {
		t.Errorf("abandoned waits = %v, want 1", got)
	}
}

// TestManager_AlreadyCancelledContext tests that no I/O runs for a dead context.
func TestManager_AlreadyCancelledContext(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.ReadRegister(ctx, domain.RegPower); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(factory.Last().GetCalls()) != 0 {
		t.Error("expected no I/O for a cancelled context")
	}
}

// TestManager_Stats tests the per-manager counters.
func TestManager_Stats(t *testing.T) {
	factory := &mocks.MockFactory{}
	m := newTestManager(t, factory)
	ctx := context.Background()

	_, _ = m.ReadRegister(ctx, domain.RegPower)
	_ = m.WriteRegister(ctx, domain.RegPower, 1)
	factory.Last().ReadFunc = func(uint16, uint16) ([]uint16, error) {
		return nil, &gbmodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 0x02}
	}
	_, _ = m.ReadRegister(ctx, 0x7000)

	stats := m.Stats()
	if stats.Identity != "tcp_10.0.0.5_502_1" {
		t.Errorf("unexpected identity %q", stats.Identity)
	}
	if stats.Reads != 1 || stats.Writes != 1 || stats.ProtocolErrors != 1 {
		t.Errorf("unexpected counters: %+v", stats)
	}
	if !stats.Connected {
		t.Error("expected connected in stats")
	}
	if stats.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}
