package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nexus-edge/medole-gateway/internal/domain"
)

// maxRegistersPerRead is the protocol limit for function code 0x03.
const maxRegistersPerRead = 125

// maxRegistersPerWrite is the protocol limit for function code 0x10.
const maxRegistersPerWrite = 123

var errShortResponse = errors.New("modbus: short response")

// registersFromBytes decodes a big-endian register payload.
func registersFromBytes(data []byte, count uint16) ([]uint16, error) {
	if len(data) != int(count)*2 {
		return nil, fmt.Errorf("%w: got %d bytes for %d registers", errShortResponse, len(data), count)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values, nil
}

// bytesFromRegisters encodes registers as a big-endian payload.
func bytesFromRegisters(values []uint16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

func validateReadCount(count uint16) error {
	if count == 0 || count > maxRegistersPerRead {
		return fmt.Errorf("%w: %d (1-%d)", domain.ErrInvalidRegisterCount, count, maxRegistersPerRead)
	}
	return nil
}

func validateWriteCount(n int) error {
	if n == 0 || n > maxRegistersPerWrite {
		return fmt.Errorf("%w: %d (1-%d)", domain.ErrInvalidRegisterCount, n, maxRegistersPerWrite)
	}
	return nil
}
