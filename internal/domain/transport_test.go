package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
)

func TestTransportConfig_WithDefaults(t *testing.T) {
	serial := domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0", Parity: "e"}.WithDefaults()
	if serial.BaudRate != 9600 || serial.ByteSize != 8 || serial.StopBits != 1 {
		t.Errorf("unexpected serial defaults: %+v", serial)
	}
	if serial.Parity != "E" {
		t.Errorf("expected parity normalized to E, got %q", serial.Parity)
	}
	if serial.SlaveID != 1 || serial.Timeout != 3*time.Second {
		t.Errorf("unexpected common defaults: %+v", serial)
	}
	if serial.Port != 0 {
		t.Errorf("serial config should not get a TCP port, got %d", serial.Port)
	}

	tcp := domain.TransportConfig{Kind: domain.TransportTCP, Host: "10.0.0.5", Timeout: time.Second}.WithDefaults()
	if tcp.Port != 502 {
		t.Errorf("expected default port 502, got %d", tcp.Port)
	}
	if tcp.Timeout != time.Second {
		t.Errorf("explicit timeout overwritten: %v", tcp.Timeout)
	}
	if tcp.BaudRate != 0 {
		t.Errorf("tcp config should not get serial defaults, got baud %d", tcp.BaudRate)
	}
}

func TestTransportConfig_Identity(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.TransportConfig
		want string
	}{
		{
			name: "serial",
			cfg:  domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0", SlaveID: 3},
			want: "serial_/dev/ttyUSB0_3",
		},
		{
			name: "tcp default port and slave",
			cfg:  domain.TransportConfig{Kind: domain.TransportTCP, Host: "10.0.0.5"},
			want: "tcp_10.0.0.5_502_1",
		},
		{
			name: "rtu over tcp",
			cfg:  domain.TransportConfig{Kind: domain.TransportRTUOverTCP, Host: "gw.local", Port: 4196, SlaveID: 7},
			want: "rtuovertcp_gw.local_4196_7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Identity().String(); got != tt.want {
				t.Errorf("Identity = %q, want %q", got, tt.want)
			}
		})
	}

	a := domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0", BaudRate: 9600}
	b := domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0", BaudRate: 19200, SlaveID: 1}
	if a.Identity() != b.Identity() {
		t.Error("line settings must not affect identity")
	}
}

func TestTransportConfig_TrimsEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		padded domain.TransportConfig
		clean  domain.TransportConfig
		addr   string
	}{
		{
			name:   "tcp host",
			padded: domain.TransportConfig{Kind: domain.TransportTCP, Host: " 10.0.0.5\t", Port: 502},
			clean:  domain.TransportConfig{Kind: domain.TransportTCP, Host: "10.0.0.5", Port: 502},
			addr:   "10.0.0.5:502",
		},
		{
			name:   "serial port",
			padded: domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0 ", SlaveID: 3},
			clean:  domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0", SlaveID: 3},
			addr:   "/dev/ttyUSB0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.padded.Identity() != tt.clean.Identity() {
				t.Errorf("identity %q differs from %q", tt.padded.Identity(), tt.clean.Identity())
			}
			defaulted := tt.padded.WithDefaults()
			if got := defaulted.Address(); got != tt.addr {
				t.Errorf("Address = %q, want %q", got, tt.addr)
			}
			if err := defaulted.Validate(); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestTransportConfig_Address(t *testing.T) {
	serial := domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyS1"}
	if got := serial.Address(); got != "/dev/ttyS1" {
		t.Errorf("serial Address = %q", got)
	}
	tcp := domain.TransportConfig{Kind: domain.TransportTCP, Host: "fe80::1", Port: 502}
	if got := tcp.Address(); got != "[fe80::1]:502" {
		t.Errorf("tcp Address = %q", got)
	}
}

func TestTransportConfig_Validate(t *testing.T) {
	serial := func(mutate func(c *domain.TransportConfig)) domain.TransportConfig {
		c := domain.TransportConfig{Kind: domain.TransportSerial, SerialPort: "/dev/ttyUSB0"}
		mutate(&c)
		return c.WithDefaults()
	}

	tests := []struct {
		name    string
		cfg     domain.TransportConfig
		wantErr error
	}{
		{"valid serial", serial(func(c *domain.TransportConfig) {}), nil},
		{"serial slave 32", serial(func(c *domain.TransportConfig) { c.SlaveID = 32 }), nil},
		{"serial slave 33", serial(func(c *domain.TransportConfig) { c.SlaveID = 33 }), domain.ErrInvalidSlaveID},
		{"bad baud rate", serial(func(c *domain.TransportConfig) { c.BaudRate = 4800 }), domain.ErrInvalidBaudRate},
		{"bad byte size", serial(func(c *domain.TransportConfig) { c.ByteSize = 9 }), domain.ErrInvalidByteSize},
		{"bad parity", serial(func(c *domain.TransportConfig) { c.Parity = "M" }), domain.ErrInvalidParity},
		{"bad stop bits", serial(func(c *domain.TransportConfig) { c.StopBits = 3 }), domain.ErrInvalidStopBits},
		{
			"tcp slave 247",
			domain.TransportConfig{Kind: domain.TransportTCP, Host: "h", SlaveID: 247}.WithDefaults(),
			nil,
		},
		{
			"tcp slave 248",
			domain.TransportConfig{Kind: domain.TransportTCP, Host: "h", SlaveID: 248}.WithDefaults(),
			domain.ErrInvalidSlaveID,
		},
		{
			"tcp bad port",
			domain.TransportConfig{Kind: domain.TransportTCP, Host: "h", Port: 70000}.WithDefaults(),
			domain.ErrInvalidPort,
		},
		{
			"unknown kind",
			domain.TransportConfig{Kind: "can"},
			domain.ErrInvalidKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOperationError(t *testing.T) {
	identity := domain.TransportConfig{Kind: domain.TransportTCP, Host: "10.0.0.5"}.Identity()
	cause := fmt.Errorf("wrapped: %w", domain.ErrModbusIllegalAddress)
	err := error(&domain.OperationError{
		Op:       "read_registers",
		Address:  0x6105,
		Identity: identity,
		Kind:     domain.ErrProtocol,
		Err:      cause,
	})

	if !errors.Is(err, domain.ErrProtocol) {
		t.Error("expected match on class")
	}
	if !errors.Is(err, domain.ErrModbusIllegalAddress) {
		t.Error("expected match on cause")
	}
	if errors.Is(err, domain.ErrLink) {
		t.Error("unexpected match on ErrLink")
	}
	want := "read_registers 0x6105 on tcp_10.0.0.5_502_1: device rejected request: wrapped: modbus: illegal data address"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &domain.OperationError{Op: "write_register", Address: 0x6201, Identity: identity, Kind: domain.ErrDisconnected}
	if !errors.Is(bare, domain.ErrDisconnected) {
		t.Error("expected match on class without cause")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"link", &domain.OperationError{Kind: domain.ErrLink}, true},
		{"disconnected", &domain.OperationError{Kind: domain.ErrDisconnected}, true},
		{"busy", &domain.OperationError{Kind: domain.ErrProtocol, Err: domain.ErrModbusBusy}, true},
		{"illegal address", &domain.OperationError{Kind: domain.ErrProtocol, Err: domain.ErrModbusIllegalAddress}, false},
		{"configuration", domain.ErrConfiguration, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModbusExceptionToError(t *testing.T) {
	tests := []struct {
		code byte
		want error
	}{
		{0x01, domain.ErrModbusIllegalFunction},
		{0x02, domain.ErrModbusIllegalAddress},
		{0x03, domain.ErrModbusIllegalValue},
		{0x04, domain.ErrModbusDeviceFailure},
		{0x06, domain.ErrModbusBusy},
		{0x0B, domain.ErrModbusGatewayTargetFailed},
		{0x42, domain.ErrModbusUnknownException},
	}
	for _, tt := range tests {
		if got := domain.ModbusExceptionToError(tt.code); got != tt.want {
			t.Errorf("code 0x%02X: got %v, want %v", tt.code, got, tt.want)
		}
	}
}
