package modbus

import (
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	svmodbus "github.com/simonvetter/modbus"
)

// Factory builds an unconnected transport for a config.
type Factory func(cfg domain.TransportConfig) (Transport, error)

// Build maps cfg to an unconnected transport of the matching kind. Missing
// required fields yield ErrConfiguration. Build never touches the wire.
func Build(cfg domain.TransportConfig) (Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.CheckRequired(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case domain.TransportSerial:
		handler := modbus.NewRTUClientHandler(cfg.SerialPort)
		handler.BaudRate = cfg.BaudRate
		handler.DataBits = cfg.ByteSize
		handler.Parity = cfg.Parity
		handler.StopBits = cfg.StopBits
		handler.Timeout = cfg.Timeout
		handler.SlaveId = cfg.SlaveID
		return newHandlerTransport(handler), nil

	case domain.TransportTCP:
		handler := modbus.NewTCPClientHandler(cfg.Address())
		handler.Timeout = cfg.Timeout
		handler.SlaveId = cfg.SlaveID
		return newHandlerTransport(handler), nil

	case domain.TransportRTUOverTCP:
		client, err := svmodbus.NewClient(&svmodbus.ClientConfiguration{
			URL:     "rtuovertcp://" + cfg.Address(),
			Speed:   uint(cfg.BaudRate),
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
		}
		if err := client.SetUnitId(cfg.SlaveID); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
		}
		return newRTUOverTCPTransport(client), nil
	}

	return nil, fmt.Errorf("%w: %w %q", domain.ErrConfiguration, domain.ErrInvalidKind, cfg.Kind)
}
