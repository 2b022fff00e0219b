package simulator_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/simulator"
	"github.com/simonvetter/modbus"
)

func read(b *simulator.Bank, unit uint8, addr, qty uint16) ([]uint16, error) {
	return b.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{UnitId: unit, Addr: addr, Quantity: qty})
}

func write(b *simulator.Bank, unit uint8, addr uint16, values ...uint16) ([]uint16, error) {
	return b.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{
		UnitId:   unit,
		Addr:     addr,
		Quantity: uint16(len(values)),
		IsWrite:  true,
		Args:     values,
	})
}

// =============================================================================
// Register Access Tests
// =============================================================================

// TestNewBank tests the power-on register values.
func TestNewBank(t *testing.T) {
	b := simulator.NewBank(1)

	tests := []struct {
		addr uint16
		want uint16
	}{
		{domain.RegHumidity1, simulator.AmbientHumidity},
		{domain.RegHumidity2, simulator.AmbientHumidity - 2},
		{domain.RegTemperature1, domain.EncodeTemperature(24.5)},
		{domain.RegPower, 0},
		{domain.RegFanSpeed, domain.FanSpeedLow},
		{domain.RegHumiditySetpoint, 50},
		{domain.RegDehumidifyMode, 1},
		{domain.RegOperationStatus, 0},
	}
	for _, tt := range tests {
		got, ok := b.Get(tt.addr)
		if !ok {
			t.Errorf("register 0x%04X missing", tt.addr)
			continue
		}
		if got != tt.want {
			t.Errorf("register 0x%04X = %d, want %d", tt.addr, got, tt.want)
		}
	}

	if _, ok := b.Get(0x6107); ok {
		t.Error("expected gap in sensor block to be absent")
	}
}

// TestBank_HoldingRegisters tests reads and writes through the handler.
func TestBank_HoldingRegisters(t *testing.T) {
	tests := []struct {
		name    string
		call    func(b *simulator.Bank) ([]uint16, error)
		want    []uint16
		wantErr error
	}{
		{
			name: "read block",
			call: func(b *simulator.Bank) ([]uint16, error) { return read(b, 1, domain.RegDehumidifyMode, 2) },
			want: []uint16{1, 0},
		},
		{
			name: "write and echo",
			call: func(b *simulator.Bank) ([]uint16, error) { return write(b, 1, domain.RegHumiditySetpoint, 45) },
			want: []uint16{45},
		},
		{
			name: "multi write",
			call: func(b *simulator.Bank) ([]uint16, error) { return write(b, 1, domain.RegDehumidifyMode, 0, 1) },
			want: []uint16{0, 1},
		},
		{
			name:    "wrong unit",
			call:    func(b *simulator.Bank) ([]uint16, error) { return read(b, 2, domain.RegPower, 1) },
			wantErr: modbus.ErrIllegalFunction,
		},
		{
			name:    "unknown address",
			call:    func(b *simulator.Bank) ([]uint16, error) { return read(b, 1, 0x7000, 1) },
			wantErr: modbus.ErrIllegalDataAddress,
		},
		{
			name:    "range crosses gap",
			call:    func(b *simulator.Bank) ([]uint16, error) { return read(b, 1, domain.RegFanAlarmHours, 2) },
			wantErr: modbus.ErrIllegalDataAddress,
		},
		{
			name:    "read only register",
			call:    func(b *simulator.Bank) ([]uint16, error) { return write(b, 1, domain.RegHumidity1, 10) },
			wantErr: modbus.ErrIllegalDataAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := simulator.NewBank(1)
			got, err := tt.call(b)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("value %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestBank_RejectedWriteChangesNothing tests that a partly invalid multi
// write leaves every register untouched.
func TestBank_RejectedWriteChangesNothing(t *testing.T) {
	b := simulator.NewBank(1)

	if _, err := write(b, 1, domain.RegPurifyMode, 1, 1); !errors.Is(err, modbus.ErrIllegalDataAddress) {
		t.Fatalf("expected illegal data address, got %v", err)
	}
	if v, _ := b.Get(domain.RegPurifyMode); v != 0 {
		t.Errorf("purify mode = %d, want unchanged 0", v)
	}
}

// TestBank_OtherTables tests that only holding registers are served.
func TestBank_OtherTables(t *testing.T) {
	b := simulator.NewBank(1)

	if _, err := b.HandleCoils(&modbus.CoilsRequest{UnitId: 1, Addr: 0, Quantity: 1}); !errors.Is(err, modbus.ErrIllegalFunction) {
		t.Errorf("coils: %v", err)
	}
	if _, err := b.HandleDiscreteInputs(&modbus.DiscreteInputsRequest{UnitId: 1, Addr: 0, Quantity: 1}); !errors.Is(err, modbus.ErrIllegalFunction) {
		t.Errorf("discrete inputs: %v", err)
	}
	if _, err := b.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 1, Addr: domain.RegPower, Quantity: 1}); !errors.Is(err, modbus.ErrIllegalFunction) {
		t.Errorf("input registers: %v", err)
	}
}

// TestBank_RequestLog tests that served requests are recorded.
func TestBank_RequestLog(t *testing.T) {
	b := simulator.NewBank(1)

	_, _ = read(b, 1, domain.RegTemperature1, 6)
	_, _ = write(b, 1, domain.RegPower, 1)
	_, _ = read(b, 7, domain.RegPower, 1)

	reqs := b.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 logged requests, got %d", len(reqs))
	}
	if reqs[0].Address != domain.RegTemperature1 || reqs[0].Quantity != 6 || reqs[0].Write {
		t.Errorf("unexpected first request: %+v", reqs[0])
	}
	if reqs[1].Address != domain.RegPower || !reqs[1].Write {
		t.Errorf("unexpected second request: %+v", reqs[1])
	}
	if reqs[1].At.Before(reqs[0].At) {
		t.Error("requests out of order")
	}

	for i := 0; i < 300; i++ {
		_, _ = read(b, 1, domain.RegPower, 1)
	}
	if got := len(b.Requests()); got != 256 {
		t.Errorf("expected log capped at 256, got %d", got)
	}
}

// =============================================================================
// Room Model Tests
// =============================================================================

// TestBank_Status tests the operation status register.
func TestBank_Status(t *testing.T) {
	b := simulator.NewBank(1)

	if _, err := write(b, 1, domain.RegPower, 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	status, _ := b.Get(domain.RegOperationStatus)
	if status != domain.StatusFanOn|domain.StatusCompressorOn {
		t.Errorf("status = 0x%04X, want fan and compressor", status)
	}

	b.SetFault(domain.StatusWaterFullError)
	status, _ = b.Get(domain.RegOperationStatus)
	flags := domain.DecodeStatus(status)
	if !flags.WaterFullError || flags.CompressorOn || !flags.FanOn {
		t.Errorf("unexpected flags with fault: %+v", flags)
	}

	b.SetFault(0)
	b.Set(domain.RegHumiditySetpoint, 70)
	status, _ = b.Get(domain.RegOperationStatus)
	if status != domain.StatusFanOn {
		t.Errorf("status = 0x%04X, want fan only below setpoint", status)
	}

	_, _ = write(b, 1, domain.RegPower, 0)
	if status, _ = b.Get(domain.RegOperationStatus); status != 0 {
		t.Errorf("status = 0x%04X after power off", status)
	}
}

// TestBank_Step tests humidity dynamics.
func TestBank_Step(t *testing.T) {
	b := simulator.NewBank(1)
	b.Set(domain.RegPower, 1)
	b.Set(domain.RegHumiditySetpoint, 60)

	for i := 0; i < 5; i++ {
		b.Step()
	}
	h, _ := b.Get(domain.RegHumidity1)
	if h != 60 {
		t.Errorf("humidity = %d, want 60 after reaching setpoint", h)
	}
	if h2, _ := b.Get(domain.RegHumidity2); h2 != 58 {
		t.Errorf("second humidity = %d, want 58", h2)
	}

	b.Set(domain.RegPower, 0)
	for i := 0; i < 3; i++ {
		b.Step()
	}
	if h, _ = b.Get(domain.RegHumidity1); h != 63 {
		t.Errorf("humidity = %d, want drift back to 63", h)
	}
}

// TestBank_StepContinuous tests that setpoint 0 keeps the compressor running.
func TestBank_StepContinuous(t *testing.T) {
	b := simulator.NewBank(1)
	b.Set(domain.RegPower, 1)
	b.Set(domain.RegHumiditySetpoint, domain.ContinuousDehumidification)
	b.Set(domain.RegHumidity1, 1)

	b.Step()
	b.Step()
	if h, _ := b.Get(domain.RegHumidity1); h != 0 {
		t.Errorf("humidity = %d, want floor at 0", h)
	}
	if h2, _ := b.Get(domain.RegHumidity2); h2 != 0 {
		t.Errorf("second humidity = %d, want 0", h2)
	}
}

// TestBank_FanHours tests the fan counter.
func TestBank_FanHours(t *testing.T) {
	b := simulator.NewBank(1)
	b.Set(domain.RegPower, 1)
	before, _ := b.Get(domain.RegFanOperationHours)

	for i := 0; i < 720; i++ {
		b.Step()
	}
	if after, _ := b.Get(domain.RegFanOperationHours); after != before+1 {
		t.Errorf("fan hours = %d, want %d", after, before+1)
	}
}
