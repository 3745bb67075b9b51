// internal/protocol/usb_events.go
package protocol

import "raw-uart-service/internal/uart"

// embedEventChar is the escape byte configured through EMBED_EVENTS.
const embedEventChar = 0xff

type decodeState uint8

const (
	stateData decodeState = iota
	stateEscape
	stateStatus
	stateStatusData
)

// eventDecoder parses the CP210x embedded-event stream. The state is kept
// between calls so escapes split across bulk packets decode correctly.
type eventDecoder struct {
	state decodeState
	flags uart.RxFlags
}

// statusFlags maps a line-status byte to receive flags.
func statusFlags(status byte) uart.RxFlags {
	var f uart.RxFlags
	if status&0x02 != 0 {
		f |= uart.RxOverrun
	}
	if status&0x04 != 0 {
		f |= uart.RxParity
	}
	if status&0x08 != 0 {
		f |= uart.RxFrame
	}
	if status&0x10 != 0 {
		f |= uart.RxBreak
	}
	return f
}

func (d *eventDecoder) decode(p []byte, emit func(uart.RxFlags, byte)) {
	for _, b := range p {
		switch d.state {
		case stateData:
			if b == embedEventChar {
				d.state = stateEscape
			} else {
				emit(0, b)
			}
		case stateEscape:
			switch b {
			case 0x00:
				emit(0, embedEventChar)
				d.state = stateData
			case 0x01, 0x02:
				d.state = stateStatus
			default:
				d.state = stateData
			}
		case stateStatus:
			d.flags = statusFlags(b)
			if b&0x01 != 0 {
				d.state = stateStatusData
			} else {
				emit(d.flags, 0)
				d.state = stateData
			}
		case stateStatusData:
			emit(d.flags, b)
			d.state = stateData
		}
	}
}

func (d *eventDecoder) reset() {
	d.state, d.flags = stateData, 0
}
