package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-uart-service/internal/uart"
)

type controlCall struct {
	rType, request uint8
	val, idx       uint16
	data           []byte
}

// fakeUSB emulates a CP2102N adapter.
type fakeUSB struct {
	vid, pid     gousb.ID
	manufacturer string
	partNum      byte
	config       []byte

	mu       sync.Mutex
	controls []controlCall
	written  [][]byte
	in       chan []byte
	readErr  chan error
	closed   bool
}

func newFakeUSB(pid gousb.ID, part byte) *fakeUSB {
	return &fakeUSB{
		vid:          0x10c4,
		pid:          pid,
		manufacturer: "Silicon Labs",
		partNum:      part,
		config:       make([]byte, cpConfigSize),
		in:           make(chan []byte, 16),
		readErr:      make(chan error, 1),
	}
}

func (f *fakeUSB) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, controlCall{rType, request, val, idx, append([]byte(nil), data...)})
	if rType == reqDeviceToHost {
		switch val {
		case cpGetPartNum:
			data[0] = f.partNum
		case cpReadConfig:
			copy(data, f.config)
		}
	}
	return len(data), nil
}

func (f *fakeUSB) ReadBulk(ctx context.Context, p []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-f.readErr:
		return 0, err
	case b := <-f.in:
		return copy(p, b), nil
	}
}

func (f *fakeUSB) WriteBulk(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeUSB) Manufacturer() string                { return f.manufacturer }
func (f *fakeUSB) Product() string                     { return "HB-RF-USB-2" }
func (f *fakeUSB) Serial() string                      { return "0001" }
func (f *fakeUSB) Location() string                    { return "usb-1-1.3" }
func (f *fakeUSB) VendorProduct() (gousb.ID, gousb.ID) { return f.vid, f.pid }

func (f *fakeUSB) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeUSB) latchWrites() []controlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []controlCall
	for _, c := range f.controls {
		if c.request == cpVendorSpecific && c.val == cpWriteLatch {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeUSB) requests() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint8, len(f.controls))
	for i, c := range f.controls {
		out[i] = c.request
	}
	return out
}

func (f *fakeUSB) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func connectUSB(t *testing.T, dev *fakeUSB, verifier Verifier) (*USBBackend, error) {
	open := func(*USBConfig, *zap.Logger) (usbTransport, error) { return dev, nil }
	b := newUSBBackend(defaultUSBConfig(), open, verifier, zap.NewNop())
	return b, b.Connect(context.Background())
}

func TestUSBProbeLatchPart(t *testing.T) {
	dev := newFakeUSB(0x8d81, 0x20)
	dev.config[587] = 0x08

	b, err := connectUSB(t, dev, nil)
	require.NoError(t, err)
	assert.True(t, b.invertReset)
	assert.Equal(t, uart.LEDLines, b.Lines())
	assert.Equal(t, uart.LineRed.Mask()|uart.LineGreen.Mask(), b.DefaultLines())
	assert.Equal(t, "HB-RF-USB-2@usb-1-1.3", b.DeviceType())

	latch := dev.latchWrites()
	require.Len(t, latch, 1)
	assert.Equal(t, uint16(0x06<<8|0x0f), latch[0].idx)

	var baud []byte
	for _, c := range dev.controls {
		if c.request == cpSetBaudrate {
			baud = c.data
		}
	}
	require.Len(t, baud, 4)
	assert.Equal(t, uint32(115200), binary.LittleEndian.Uint32(baud))
}

func TestUSBProbeRejects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeUSB)
	}{
		{"unknown product", func(f *fakeUSB) { f.pid = 0x1234 }},
		{"wrong manufacturer", func(f *fakeUSB) { f.pid = 0x8c07; f.manufacturer = "Acme" }},
		{"unsupported chip", func(f *fakeUSB) { f.partNum = 0x05 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeUSB(0x8d81, 0x20)
			tt.setup(dev)
			_, err := connectUSB(t, dev, nil)
			assert.ErrorIs(t, err, uart.ErrUnsupported)
			assert.True(t, dev.closed)
		})
	}
}

func TestUSBSignatureVerification(t *testing.T) {
	reject := VerifierFunc(func(USBDeviceInfo, string, string, []byte) bool { return false })
	accept := VerifierFunc(func(USBDeviceInfo, string, string, []byte) bool { return true })

	dev := newFakeUSB(0x8d81, 0x20)
	dev.config[449] = 0xff
	_, err := connectUSB(t, dev, reject)
	assert.ErrorIs(t, err, uart.ErrUnsupported)

	dev = newFakeUSB(0x8d81, 0x20)
	dev.config[449] = 0xff
	_, err = connectUSB(t, dev, accept)
	assert.NoError(t, err)

	// Part 0x22 on an adapter without enforcement only warns.
	dev = newFakeUSB(0x8d81, 0x22)
	dev.config[449] = 0xff
	b := newUSBBackend(defaultUSBConfig(), nil, reject, zap.NewNop())
	b.partNum = 0x22
	assert.NoError(t, b.verify(dev, USBDeviceInfo{Signed: true}, dev.config))
	assert.ErrorIs(t, b.verify(dev, USBDeviceInfo{Signed: true, EnforceVerification: true}, dev.config), uart.ErrUnsupported)
}

func TestUSBPlainPartHasNoLines(t *testing.T) {
	dev := newFakeUSB(0x8d81, 0x02)
	b, err := connectUSB(t, dev, nil)
	require.NoError(t, err)

	assert.Zero(t, b.Lines())
	assert.ErrorIs(t, b.ResetRadioModule(context.Background()), uart.ErrUnsupported)
	assert.ErrorIs(t, b.WriteLines(uart.LEDLines, 0), uart.ErrUnsupported)
	assert.Empty(t, dev.latchWrites())
}

func TestUSBResetRespectsPolarity(t *testing.T) {
	for _, invert := range []bool{false, true} {
		dev := newFakeUSB(0x8d91, 0x22)
		if invert {
			dev.config[586] = 0x01
		}
		b, err := connectUSB(t, dev, nil)
		require.NoError(t, err)

		require.NoError(t, b.ResetRadioModule(context.Background()))
		latch := dev.latchWrites()[1:]
		require.Len(t, latch, 2)
		first, second := uint16(1), uint16(0)
		if invert {
			first, second = 0, 1
		}
		assert.Equal(t, first<<8|resetLatchMask, latch[0].idx)
		assert.Equal(t, second<<8|resetLatchMask, latch[1].idx)
	}
}

func TestUSBLedLatch(t *testing.T) {
	dev := newFakeUSB(0x8d81, 0x21)
	b, err := connectUSB(t, dev, nil)
	require.NoError(t, err)

	require.NoError(t, b.WriteLines(uart.LEDLines, uart.LineBlue.Mask()))
	latch := dev.latchWrites()
	last := latch[len(latch)-1]
	assert.Equal(t, uint16(0x08<<8|ledLatchMask), last.idx)
}

func TestUSBStreamAndTransmit(t *testing.T) {
	dev := newFakeUSB(0x8d81, 0x20)
	b, err := connectUSB(t, dev, nil)
	require.NoError(t, err)
	h := &recordingHost{}
	b.Attach(h)

	require.NoError(t, b.StartConnection(context.Background()))
	reqs := dev.requests()
	assert.Equal(t, []uint8{cpIfcEnable, cpEmbedEvents}, reqs[len(reqs)-2:])

	dev.in <- []byte{0x01, 0xff, 0x00, 0xff, 0x01, 0x03}
	dev.in <- []byte{0x42}
	require.Eventually(t, func() bool { return len(h.received()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []rxByte{{0, 0x01}, {0, 0xff}, {uart.RxOverrun, 0x42}}, h.received())

	require.True(t, b.ReadyForTx())
	b.TxChars([]byte("0123456789A"))
	require.Eventually(t, func() bool { return h.txCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, b.ReadyForTx())
	assert.Equal(t, [][]byte{[]byte("0123456789A")}, dev.writes())

	b.StopConnection()
	reqs = dev.requests()
	assert.Equal(t, []uint8{cpPurge, cpIfcEnable}, reqs[len(reqs)-2:])
	require.NoError(t, b.Close())
}

func TestUSBDeviceLossDisconnects(t *testing.T) {
	dev := newFakeUSB(0x8d81, 0x20)
	b, err := connectUSB(t, dev, nil)
	require.NoError(t, err)
	h := &recordingHost{}
	b.Attach(h)
	require.NoError(t, b.StartConnection(context.Background()))

	dev.readErr <- errors.Join(uart.ErrDisconnected, errors.New("libusb: no device"))
	require.Eventually(t, func() bool { return len(h.stateHistory()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, h.stateHistory())
	assert.False(t, b.ReadyForTx())
	b.StopConnection()
}
