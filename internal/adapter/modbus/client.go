// Package modbus provides the shared Modbus transport layer: one serialized,
// throttled manager per physical connection, resolved through a registry.
package modbus

import (
	"fmt"

	"github.com/goburrow/modbus"
	svmodbus "github.com/simonvetter/modbus"
)

// Transport is a raw register handle over one physical link. Implementations
// are not safe for concurrent use; a Manager serializes all access.
type Transport interface {
	Open() error
	Close() error
	ReadHoldingRegisters(address, count uint16) ([]uint16, error)
	WriteSingleRegister(address, value uint16) error
	WriteMultipleRegisters(address uint16, values []uint16) error
}

// StatusReporter is implemented by transports that can report link state
// without touching the wire.
type StatusReporter interface {
	Connected() bool
}

// goburrowHandler is satisfied by both TCPClientHandler and RTUClientHandler.
type goburrowHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// handlerTransport drives a goburrow handler (TCP or serial RTU).
type handlerTransport struct {
	handler goburrowHandler
	client  modbus.Client
	open    bool
}

func newHandlerTransport(handler goburrowHandler) *handlerTransport {
	return &handlerTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

func (t *handlerTransport) Open() error {
	if err := t.handler.Connect(); err != nil {
		t.open = false
		return err
	}
	t.open = true
	return nil
}

func (t *handlerTransport) Close() error {
	t.open = false
	return t.handler.Close()
}

func (t *handlerTransport) Connected() bool {
	return t.open
}

func (t *handlerTransport) ReadHoldingRegisters(address, count uint16) ([]uint16, error) {
	data, err := t.client.ReadHoldingRegisters(address, count)
	if err != nil {
		return nil, err
	}
	return registersFromBytes(data, count)
}

func (t *handlerTransport) WriteSingleRegister(address, value uint16) error {
	_, err := t.client.WriteSingleRegister(address, value)
	return err
}

func (t *handlerTransport) WriteMultipleRegisters(address uint16, values []uint16) error {
	_, err := t.client.WriteMultipleRegisters(address, uint16(len(values)), bytesFromRegisters(values))
	return err
}

// rtuOverTCPTransport tunnels RTU framing through a TCP socket.
type rtuOverTCPTransport struct {
	client *svmodbus.ModbusClient
	open   bool
}

func newRTUOverTCPTransport(client *svmodbus.ModbusClient) *rtuOverTCPTransport {
	return &rtuOverTCPTransport{client: client}
}

func (t *rtuOverTCPTransport) Open() error {
	if err := t.client.Open(); err != nil {
		t.open = false
		return err
	}
	t.open = true
	return nil
}

func (t *rtuOverTCPTransport) Close() error {
	t.open = false
	return t.client.Close()
}

func (t *rtuOverTCPTransport) Connected() bool {
	return t.open
}

func (t *rtuOverTCPTransport) ReadHoldingRegisters(address, count uint16) ([]uint16, error) {
	values, err := t.client.ReadRegisters(address, count, svmodbus.HOLDING_REGISTER)
	if err != nil {
		return nil, err
	}
	if len(values) != int(count) {
		return nil, fmt.Errorf("%w: got %d registers, want %d", svmodbus.ErrShortFrame, len(values), count)
	}
	return values, nil
}

func (t *rtuOverTCPTransport) WriteSingleRegister(address, value uint16) error {
	return t.client.WriteRegister(address, value)
}

func (t *rtuOverTCPTransport) WriteMultipleRegisters(address uint16, values []uint16) error {
	return t.client.WriteRegisters(address, values)
}
