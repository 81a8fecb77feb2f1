package modbus

import (
	"context"
	"fmt"
	"sync"
)

// fakeTransport is a hand-rolled Transport test double, in the teacher's
// own mocking idiom (enhancement-*_test.go never reaches for a mock
// library): a plain struct backed by maps, with knobs to force the next
// N operations of a given kind to fail.
type fakeTransport struct {
	mu sync.Mutex

	connected bool
	connectFailures int
	connectCalls    int

	coils     map[int16]map[uint16]bool
	discretes map[int16]map[uint16]bool
	holding   map[int16]map[uint16]uint16
	input     map[int16]map[uint16]uint16

	failReadsRemaining  int
	failWritesRemaining int
	alwaysFailReads     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		coils:     make(map[int16]map[uint16]bool),
		discretes: make(map[int16]map[uint16]bool),
		holding:   make(map[int16]map[uint16]uint16),
		input:     make(map[int16]map[uint16]uint16),
	}
}

func (f *fakeTransport) setHolding(slave int16, addr uint16, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holding[slave] == nil {
		f.holding[slave] = make(map[uint16]uint16)
	}
	f.holding[slave][addr] = v
}

func (f *fakeTransport) setCoil(slave int16, addr uint16, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coils[slave] == nil {
		f.coils[slave] = make(map[uint16]bool)
	}
	f.coils[slave][addr] = v
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectFailures > 0 {
		f.connectFailures--
		return fmt.Errorf("fake: connect failed")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) failNextRead()  { f.mu.Lock(); f.failReadsRemaining++; f.mu.Unlock() }
func (f *fakeTransport) failNextWrite() { f.mu.Lock(); f.failWritesRemaining++; f.mu.Unlock() }

func (f *fakeTransport) consumeReadFailure() bool {
	if f.alwaysFailReads {
		return true
	}
	if f.failReadsRemaining > 0 {
		f.failReadsRemaining--
		return true
	}
	return false
}

func (f *fakeTransport) consumeWriteFailure() bool {
	if f.failWritesRemaining > 0 {
		f.failWritesRemaining--
		return true
	}
	return false
}

func (f *fakeTransport) ReadCoils(ctx context.Context, slaveID uint16, address, quantity uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeReadFailure() {
		return nil, fmt.Errorf("fake: read coils failed")
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = f.coils[int16(slaveID)][address+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadDiscreteInputs(ctx context.Context, slaveID uint16, address, quantity uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeReadFailure() {
		return nil, fmt.Errorf("fake: read discretes failed")
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = f.discretes[int16(slaveID)][address+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadHoldingRegisters(ctx context.Context, slaveID uint16, address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeReadFailure() {
		return nil, fmt.Errorf("fake: read holding failed")
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.holding[int16(slaveID)][address+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadInputRegisters(ctx context.Context, slaveID uint16, address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeReadFailure() {
		return nil, fmt.Errorf("fake: read input failed")
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.input[int16(slaveID)][address+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) WriteCoil(ctx context.Context, slaveID uint16, address uint16, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeWriteFailure() {
		return fmt.Errorf("fake: write coil failed")
	}
	if f.coils[int16(slaveID)] == nil {
		f.coils[int16(slaveID)] = make(map[uint16]bool)
	}
	f.coils[int16(slaveID)][address] = value
	return nil
}

func (f *fakeTransport) WriteHoldingRegister(ctx context.Context, slaveID uint16, address uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeWriteFailure() {
		return fmt.Errorf("fake: write register failed")
	}
	if f.holding[int16(slaveID)] == nil {
		f.holding[int16(slaveID)] = make(map[uint16]uint16)
	}
	f.holding[int16(slaveID)][address] = value
	return nil
}

func (f *fakeTransport) WriteHoldingRegisters(ctx context.Context, slaveID uint16, address uint16, values []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeWriteFailure() {
		return fmt.Errorf("fake: write registers failed")
	}
	if f.holding[int16(slaveID)] == nil {
		f.holding[int16(slaveID)] = make(map[uint16]uint16)
	}
	for i, v := range values {
		f.holding[int16(slaveID)][address+uint16(i)] = v
	}
	return nil
}

var _ Transport = (*fakeTransport)(nil)
