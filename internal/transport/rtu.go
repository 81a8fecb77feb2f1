package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	goserial "github.com/hootrhino/goserial"
)

// SerialConfig mirrors goserial.Config's fields that matter for opening a
// Modbus RTU line: everything else (hardware flow control, read buffer
// sizing) is the library's own default.
type SerialConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// RTUTransport is a modbus.Transport adapter over a Modbus RTU serial
// line, grounded in the teacher's RTUHandler/RTUPackager pair
// (enhancement-rtu_handler.go, enhancement-rtu_packager.go) but rewritten
// to open the port itself via goserial — the library the teacher's own
// RTU tests (poller_test.go, rtu_client_test.go) use — instead of taking
// an already-open io.ReadWriteCloser, and made context-aware per call.
type RTUTransport struct {
	cfg SerialConfig

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewRTUTransport constructs an RTUTransport that opens cfg.Address on
// Connect.
func NewRTUTransport(cfg SerialConfig) *RTUTransport {
	return &RTUTransport{cfg: cfg}
}

func (t *RTUTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	port, err := goserial.Open(&goserial.Config{
		Address:  t.cfg.Address,
		BaudRate: t.cfg.BaudRate,
		DataBits: t.cfg.DataBits,
		StopBits: t.cfg.StopBits,
		Parity:   t.cfg.Parity,
		Timeout:  t.cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("modbus: open serial port %s: %w", t.cfg.Address, err)
	}
	t.port = port
	return nil
}

func (t *RTUTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *RTUTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// sendAndReceive packs reqPDU into a slaveID-addressed RTU frame (with
// CRC16 trailer), writes it, and reads back the response frame. The RTU
// wire carries no explicit length prefix for reads, so the response size
// is derived from the function code and, for variable-length reads, its
// byte-count field — mirroring RTUHandler.sendAndReceive's per-function
// read-then-verify-CRC shape. Caller holds t.mu.
func (t *RTUTransport) sendAndReceive(ctx context.Context, slaveID uint8, reqPDU []byte) ([]byte, error) {
	if t.port == nil {
		return nil, fmt.Errorf("modbus: rtu transport not connected")
	}

	frame := make([]byte, 1+len(reqPDU)+2)
	frame[0] = slaveID
	copy(frame[1:], reqPDU)
	crc := crc16(frame[:len(frame)-2])
	frame[len(frame)-2] = byte(crc & 0xFF)
	frame[len(frame)-1] = byte(crc >> 8)

	if _, err := t.port.Write(frame); err != nil {
		return nil, fmt.Errorf("modbus: rtu write: %w", err)
	}

	// Fixed-size replies (writes, or an exception) come back as slave +
	// func + a few data bytes + 2 CRC bytes; variable-length
	// register/coil reads are read as slave+func+count first, then the
	// remaining count bytes + CRC.
	head := make([]byte, 3)
	if _, err := io.ReadFull(t.port, head); err != nil {
		return nil, fmt.Errorf("modbus: rtu read header: %w", err)
	}

	var rest []byte
	if head[1]&exceptionBit != 0 {
		rest = make([]byte, 3) // exception code + 2 CRC bytes, 1 already read as head[2]
		if _, err := io.ReadFull(t.port, rest[1:]); err != nil {
			return nil, fmt.Errorf("modbus: rtu read exception: %w", err)
		}
		rest[0] = head[2]
		full := append([]byte{head[0], head[1]}, rest...)
		return t.finishFrame(full, slaveID)
	}

	switch head[1] {
	case funcReadCoils, funcReadDiscreteInputs, funcReadHoldingRegisters, funcReadInputRegisters:
		byteCount := int(head[2])
		rest = make([]byte, byteCount+2)
		if _, err := io.ReadFull(t.port, rest); err != nil {
			return nil, fmt.Errorf("modbus: rtu read body: %w", err)
		}
		full := append([]byte{head[0], head[1], head[2]}, rest...)
		return t.finishFrame(full, slaveID)
	default:
		// Single/multiple write ack: func + 4 data bytes + 2 CRC, 1 byte
		// of which (head[2]) is already consumed.
		rest = make([]byte, 5)
		if _, err := io.ReadFull(t.port, rest); err != nil {
			return nil, fmt.Errorf("modbus: rtu read body: %w", err)
		}
		full := append([]byte{head[0], head[1], head[2]}, rest...)
		return t.finishFrame(full, slaveID)
	}
}

func (t *RTUTransport) finishFrame(frame []byte, slaveID uint8) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("modbus: rtu frame too short: %d bytes", len(frame))
	}
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	want := crc16(frame[:len(frame)-2])
	if got != want {
		return nil, fmt.Errorf("modbus: rtu crc mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	if frame[0] != slaveID {
		return nil, fmt.Errorf("modbus: rtu slave id mismatch: want %d, got %d", slaveID, frame[0])
	}
	pdu := frame[1 : len(frame)-2]
	if err := checkException(pdu); err != nil {
		return nil, err
	}
	return pdu, nil
}

func (t *RTUTransport) readBits(ctx context.Context, funcCode uint8, slaveID uint16, address, quantity uint16) ([]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], quantity)

	pdu, err := t.sendAndReceive(ctx, uint8(slaveID), buildRequestPDU(funcCode, payload))
	if err != nil {
		return nil, err
	}
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: short rtu response to func 0x%02X", funcCode)
	}
	byteCount := int(pdu[1])
	out := make([]bool, quantity)
	for i := range out {
		if i/8 < byteCount && pdu[2+i/8]&(1<<uint(i%8)) != 0 {
			out[i] = true
		}
	}
	return out, nil
}

func (t *RTUTransport) readRegisters(ctx context.Context, funcCode uint8, slaveID uint16, address, quantity uint16) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], quantity)

	pdu, err := t.sendAndReceive(ctx, uint8(slaveID), buildRequestPDU(funcCode, payload))
	if err != nil {
		return nil, err
	}
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: short rtu response to func 0x%02X", funcCode)
	}
	byteCount := int(pdu[1])
	if len(pdu) != 2+byteCount || byteCount%2 != 0 {
		return nil, fmt.Errorf("modbus: invalid rtu register response length %d", byteCount)
	}
	out := make([]uint16, byteCount/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(pdu[2+2*i : 4+2*i])
	}
	return out, nil
}

func (t *RTUTransport) ReadCoils(ctx context.Context, slaveID uint16, address, quantity uint16) ([]bool, error) {
	return t.readBits(ctx, funcReadCoils, slaveID, address, quantity)
}

func (t *RTUTransport) ReadDiscreteInputs(ctx context.Context, slaveID uint16, address, quantity uint16) ([]bool, error) {
	return t.readBits(ctx, funcReadDiscreteInputs, slaveID, address, quantity)
}

func (t *RTUTransport) ReadHoldingRegisters(ctx context.Context, slaveID uint16, address, quantity uint16) ([]uint16, error) {
	return t.readRegisters(ctx, funcReadHoldingRegisters, slaveID, address, quantity)
}

func (t *RTUTransport) ReadInputRegisters(ctx context.Context, slaveID uint16, address, quantity uint16) ([]uint16, error) {
	return t.readRegisters(ctx, funcReadInputRegisters, slaveID, address, quantity)
}

func (t *RTUTransport) WriteCoil(ctx context.Context, slaveID uint16, address uint16, value bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	if value {
		binary.BigEndian.PutUint16(payload[2:4], 0xFF00)
	}
	_, err := t.sendAndReceive(ctx, uint8(slaveID), buildRequestPDU(funcWriteSingleCoil, payload))
	return err
}

func (t *RTUTransport) WriteHoldingRegister(ctx context.Context, slaveID uint16, address uint16, value uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], value)
	_, err := t.sendAndReceive(ctx, uint8(slaveID), buildRequestPDU(funcWriteSingleRegister, payload))
	return err
}

func (t *RTUTransport) WriteHoldingRegisters(ctx context.Context, slaveID uint16, address uint16, values []uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	quantity := uint16(len(values))
	byteCount := byte(quantity * 2)
	payload := make([]byte, 5+int(byteCount))
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], quantity)
	payload[4] = byteCount
	for i, v := range values {
		binary.BigEndian.PutUint16(payload[5+2*i:7+2*i], v)
	}
	_, err := t.sendAndReceive(ctx, uint8(slaveID), buildRequestPDU(funcWriteMultipleRegisters, payload))
	return err
}
