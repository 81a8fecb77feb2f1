package modbus

import "context"

// Transport is the wire-level boundary a Reader drives: connection
// lifecycle plus the seven Modbus read/write operations the grouping and
// decode layers need. It is grounded in the teacher's ModbusApi interface
// (enhancement-types.go), trimmed to the operations this module's
// Mappings actually exercise — device identity, exception status, custom
// function codes, and the read-write-multiple combo request have no
// Mapping/Group/Reader caller here, so they are dropped rather than
// carried as unused surface.
//
// Every read/write method addresses a single slave by id and takes a
// context so the concrete RTU/TCP implementations (internal/transport)
// can honor cancellation and per-call timeouts; the core package itself
// never cancels mid-call.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	ReadCoils(ctx context.Context, slaveID uint16, address, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, slaveID uint16, address, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, slaveID uint16, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, slaveID uint16, address, quantity uint16) ([]uint16, error)

	WriteCoil(ctx context.Context, slaveID uint16, address uint16, value bool) error
	WriteHoldingRegister(ctx context.Context, slaveID uint16, address uint16, value uint16) error
	WriteHoldingRegisters(ctx context.Context, slaveID uint16, address uint16, values []uint16) error
}
