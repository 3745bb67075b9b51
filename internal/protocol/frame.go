// internal/protocol/frame.go
package protocol

import (
	"encoding/binary"
	"fmt"

	"raw-uart-service/internal/uart"
)

// Opcode is the first byte of a tunneled UDP frame.
type Opcode byte

const (
	OpConnect Opcode = iota
	OpDisconnect
	OpKeepAlive
	OpSetLED
	OpResetRadio
	OpStart
	OpStop
	OpData
)

var opcodeNames = [...]string{"connect", "disconnect", "keepalive", "set_led", "reset_radio", "start", "stop", "data"}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("op%d", byte(o))
}

const (
	crcPoly = 0x8005
	crcInit = 0xd77f

	// frameOverhead is opcode, sequence and checksum.
	frameOverhead = 4
)

// Frame is one decoded UDP datagram.
type Frame struct {
	Op      Opcode
	Seq     byte
	Payload []byte
}

// CRC16 computes the frame checksum: polynomial 0x8005, MSB first, no
// reflection, initial value 0xD77F.
func CRC16(p []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range p {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeFrame lays out [op][seq][payload][crc16 big endian].
func EncodeFrame(op Opcode, seq byte, payload []byte) []byte {
	buf := make([]byte, len(payload)+frameOverhead)
	buf[0] = byte(op)
	buf[1] = seq
	copy(buf[2:], payload)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], CRC16(buf[:len(buf)-2]))
	return buf
}

// DecodeFrame validates length and checksum. The payload aliases buf.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < frameOverhead {
		return Frame{}, fmt.Errorf("frame of %d bytes: %w", len(buf), uart.ErrProtocol)
	}
	n := len(buf) - 2
	if got, want := binary.BigEndian.Uint16(buf[n:]), CRC16(buf[:n]); got != want {
		return Frame{}, fmt.Errorf("checksum %#04x, expected %#04x: %w", got, want, uart.ErrProtocol)
	}
	return Frame{Op: Opcode(buf[0]), Seq: buf[1], Payload: buf[2:n]}, nil
}
