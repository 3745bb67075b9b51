package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"raw-uart-service/internal/uart"
)

func decodeAll(d *eventDecoder, packets ...[]byte) []rxByte {
	var out []rxByte
	for _, p := range packets {
		d.decode(p, func(f uart.RxFlags, b byte) { out = append(out, rxByte{f, b}) })
	}
	return out
}

func TestEventDecoder(t *testing.T) {
	tests := []struct {
		name    string
		packets [][]byte
		want    []rxByte
	}{
		{
			name:    "plain bytes",
			packets: [][]byte{{0x01, 0x02, 0x03}},
			want:    []rxByte{{0, 0x01}, {0, 0x02}, {0, 0x03}},
		},
		{
			name:    "escaped 0xff",
			packets: [][]byte{{0x10, 0xff, 0x00, 0x11}},
			want:    []rxByte{{0, 0x10}, {0, 0xff}, {0, 0x11}},
		},
		{
			name:    "status with data byte",
			packets: [][]byte{{0xff, 0x01, 0x05, 0x42}},
			want:    []rxByte{{uart.RxParity, 0x42}},
		},
		{
			name:    "status without data byte",
			packets: [][]byte{{0xff, 0x02, 0x10}},
			want:    []rxByte{{uart.RxBreak, 0x00}},
		},
		{
			name:    "combined flags",
			packets: [][]byte{{0xff, 0x01, 0x0b, 0x99}},
			want:    []rxByte{{uart.RxOverrun | uart.RxFrame, 0x99}},
		},
		{
			name:    "escape split across packets",
			packets: [][]byte{{0x01, 0xff}, {0x00, 0x02}},
			want:    []rxByte{{0, 0x01}, {0, 0xff}, {0, 0x02}},
		},
		{
			name:    "status split across packets",
			packets: [][]byte{{0xff, 0x01}, {0x09}, {0x55, 0x66}},
			want:    []rxByte{{uart.RxFrame, 0x55}, {0, 0x66}},
		},
		{
			name:    "unknown escape skipped",
			packets: [][]byte{{0xff, 0x07, 0x01}},
			want:    []rxByte{{0, 0x01}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d eventDecoder
			assert.Equal(t, tt.want, decodeAll(&d, tt.packets...))
		})
	}
}

func TestEventDecoderReset(t *testing.T) {
	var d eventDecoder
	decodeAll(&d, []byte{0xff})
	d.reset()
	assert.Equal(t, []rxByte{{0, 0x00}}, decodeAll(&d, []byte{0x00}))
}
