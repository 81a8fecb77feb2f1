// Package transport provides concrete Modbus wire adapters — TCP and RTU
// serial — implementing the modbus.Transport interface the core package
// consumes. It is grounded in the teacher's handler/packager pair
// (enhancement-tcp_handler.go, enhancement-rtu_handler.go,
// enhancement-tcp_packager.go, enhancement-rtu_packager.go), trimmed to
// the seven read/write operations modbus.Transport actually declares and
// made context-aware so a caller can bound each round trip.
package transport

import "fmt"

// Function codes for the four register spaces and single/multiple
// writes this module's Transport interface exercises. Ground truth:
// enhancement-utils.go / enhancement-tcp_handler.go (teacher).
const (
	funcReadCoils              = 0x01
	funcReadDiscreteInputs     = 0x02
	funcReadHoldingRegisters   = 0x03
	funcReadInputRegisters     = 0x04
	funcWriteSingleCoil        = 0x05
	funcWriteSingleRegister    = 0x06
	funcWriteMultipleCoils     = 0x0F
	funcWriteMultipleRegisters = 0x10

	exceptionBit = 0x80
)

func buildRequestPDU(functionCode uint8, data []byte) []byte {
	pdu := make([]byte, 1+len(data))
	pdu[0] = functionCode
	copy(pdu[1:], data)
	return pdu
}

// exceptionMessage reports a human-readable description of a Modbus
// exception response code, grounded in enhancement-utils.go's
// getExceptionMessage.
func exceptionMessage(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "slave device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "slave device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target device failed to respond"
	default:
		return "unknown exception code"
	}
}

func checkException(pdu []byte) error {
	if len(pdu) > 0 && pdu[0]&exceptionBit != 0 {
		code := uint8(0)
		if len(pdu) > 1 {
			code = pdu[1]
		}
		return fmt.Errorf("modbus: exception 0x%02X (%s)", code, exceptionMessage(code))
	}
	return nil
}

// crc16 computes the Modbus RTU CRC16 checksum, grounded in
// enhancement-utils.go's CRC16.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
