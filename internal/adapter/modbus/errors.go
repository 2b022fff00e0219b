package modbus

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	svmodbus "github.com/simonvetter/modbus"
)

// Exception responses decoded by the RTU-over-TCP client, by exception code.
var exceptionErrors = map[error]byte{
	svmodbus.ErrIllegalFunction:         0x01,
	svmodbus.ErrIllegalDataAddress:      0x02,
	svmodbus.ErrIllegalDataValue:        0x03,
	svmodbus.ErrServerDeviceFailure:     0x04,
	svmodbus.ErrAcknowledge:             0x05,
	svmodbus.ErrServerDeviceBusy:        0x06,
	svmodbus.ErrMemoryParityError:       0x08,
	svmodbus.ErrGWPathUnavailable:       0x0A,
	svmodbus.ErrGWTargetFailedToRespond: 0x0B,
}

// classifyError sorts a transport failure into ErrProtocol (the device
// answered with an exception, the link is fine) or ErrLink (anything else).
// The returned cause wraps both the matching domain exception and err.
func classifyError(err error) (kind error, cause error) {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return domain.ErrProtocol, fmt.Errorf("%w: %w", domain.ModbusExceptionToError(mbErr.ExceptionCode), err)
	}
	for exc, code := range exceptionErrors {
		if errors.Is(err, exc) {
			return domain.ErrProtocol, fmt.Errorf("%w: %w", domain.ModbusExceptionToError(code), err)
		}
	}
	return domain.ErrLink, err
}

// resultLabel maps an operation error to its metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrProtocol):
		return metrics.ResultProtocolError
	case errors.Is(err, domain.ErrDisconnected):
		return metrics.ResultDisconnected
	default:
		return metrics.ResultLinkError
	}
}
