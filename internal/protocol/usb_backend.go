// internal/protocol/usb_backend.go
package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

// CP210x vendor requests.
const (
	reqHostToInterface = 0x41
	reqHostToDevice    = 0x40
	reqDeviceToHost    = 0xc0

	cpIfcEnable      = 0x00
	cpSetLineCtl     = 0x03
	cpPurge          = 0x12
	cpEmbedEvents    = 0x15
	cpSetBaudrate    = 0x1e
	cpVendorSpecific = 0xff

	cpWriteLatch = 0x37e1
	cpGetPartNum = 0x370b
	cpReadConfig = 0x000e
	cpConfigSize = 0x02a6

	uartEnable  = 0x0001
	uartDisable = 0x0000
	purgeAll    = 0x000f
	lineCtl8N1  = 0x0800

	usbBaudRate    = 115200
	USBTxChunkSize = 11
	usbReadBuffer  = 256

	ledLatchMask   = 0x0e
	resetLatchMask = 0x01
	initialLEDs    = uart.LineMask(0x03)
)

// Verifier checks the authenticity signature of a signed adapter.
type Verifier interface {
	Verify(info USBDeviceInfo, serial, product string, config []byte) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(info USBDeviceInfo, serial, product string, config []byte) bool

// Verify implements Verifier.
func (f VerifierFunc) Verify(info USBDeviceInfo, serial, product string, config []byte) bool {
	return f(info, serial, product, config)
}

// USBBackend tunnels the UART over a CP2102N based USB adapter.
type USBBackend struct {
	config   *USBConfig
	logger   *zap.Logger
	open     usbOpener
	verifier Verifier
	host     hostRef

	t           usbTransport
	partNum     byte
	invertReset bool

	mu       sync.Mutex
	lost     bool
	inTx     bool
	gpio     uart.LineMask
	decoder  eventDecoder
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	txc      chan []byte
	latchErr rate.Sometimes
}

// NewUSBBackend creates a usb backend using libusb through gousb. A nil
// verifier skips signature checks.
func NewUSBBackend(config *USBConfig, verifier Verifier, logger *zap.Logger) *USBBackend {
	return newUSBBackend(config, openGousb, verifier, logger)
}

func newUSBBackend(config *USBConfig, open usbOpener, verifier Verifier, logger *zap.Logger) *USBBackend {
	return &USBBackend{
		config:   config,
		logger:   logger.With(zap.String("protocol", TypeUSB)),
		open:     open,
		verifier: verifier,
		latchErr: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func hasLatch(part byte) bool { return part >= 0x20 && part <= 0x22 }

// Connect opens and probes the adapter and configures its UART.
func (b *USBBackend) Connect(ctx context.Context) error {
	t, err := b.open(b.config, b.logger)
	if err != nil {
		return err
	}
	if err := b.probe(t); err != nil {
		t.Close()
		return err
	}
	b.t = t
	b.logger = b.logger.With(zap.String("location", t.Location()))

	if hasLatch(b.partNum) {
		b.gpio = initialLEDs
		reset := uint8(1)
		if b.invertReset {
			reset = 0
		}
		if err := b.writeLatch(ledLatchMask|resetLatchMask, uint8(initialLEDs)<<1|reset); err != nil {
			b.logger.Warn("Failed to set initial latch state", zap.Error(err))
		}
	}

	if _, err := t.Control(reqHostToInterface, cpSetLineCtl, lineCtl8N1, 0, nil); err != nil {
		return fmt.Errorf("set line control: %w", err)
	}
	baud := make([]byte, 4)
	binary.LittleEndian.PutUint32(baud, usbBaudRate)
	if _, err := t.Control(reqHostToInterface, cpSetBaudrate, 0, 0, baud); err != nil {
		return fmt.Errorf("set baudrate: %w", err)
	}

	b.logger.Info("USB adapter ready",
		zap.String("product", t.Product()),
		zap.String("serial", t.Serial()),
		zap.Uint8("part_number", b.partNum),
		zap.Bool("invert_reset", b.invertReset),
	)
	return nil
}

func (b *USBBackend) probe(t usbTransport) error {
	vid, pid := t.VendorProduct()
	info, ok := LookupUSBDevice(vid, pid)
	if !ok {
		return fmt.Errorf("USB device %04x:%04x: %w", uint16(vid), uint16(pid), uart.ErrUnsupported)
	}
	if info.VendorHash != 0 && crc32.ChecksumIEEE([]byte(t.Manufacturer())) != info.VendorHash {
		return fmt.Errorf("manufacturer %q: %w", t.Manufacturer(), uart.ErrUnsupported)
	}

	part := make([]byte, 1)
	if _, err := t.Control(reqDeviceToHost, cpVendorSpecific, cpGetPartNum, 0, part); err != nil {
		return fmt.Errorf("read part number: %w", err)
	}
	b.partNum = part[0]

	switch {
	case hasLatch(b.partNum):
		config := make([]byte, cpConfigSize)
		if _, err := t.Control(reqDeviceToHost, cpVendorSpecific, cpReadConfig, 0, config); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if b.partNum == 0x22 {
			b.invertReset = config[586]&0x01 != 0
		} else {
			b.invertReset = config[587]&0x08 != 0
		}
		return b.verify(t, info, config)
	case b.partNum == 0x02:
		return nil
	default:
		return fmt.Errorf("chip type %#02x: %w", b.partNum, uart.ErrUnsupported)
	}
}

func (b *USBBackend) verify(t usbTransport, info USBDeviceInfo, config []byte) error {
	if !info.Signed {
		return nil
	}
	if b.verifier == nil {
		b.logger.Info("Signature verification not configured, accepting adapter")
		return nil
	}
	if config[449] == 0xff && b.verifier.Verify(info, t.Serial(), t.Product(), config) {
		b.logger.Info("Successfully verified device signature")
		return nil
	}
	if b.partNum != 0x22 || info.EnforceVerification {
		return fmt.Errorf("device signature invalid: %w", uart.ErrUnsupported)
	}
	b.logger.Warn("Could not verify device signature")
	return nil
}

func (b *USBBackend) writeLatch(mask, value uint8) error {
	_, err := b.t.Control(reqHostToDevice, cpVendorSpecific, cpWriteLatch, uint16(value)<<8|uint16(mask), nil)
	if err != nil {
		b.checkLost(err)
	}
	return err
}

// Attach implements uart.Backend.
func (b *USBBackend) Attach(h uart.Host) {
	b.host.set(h)
	b.mu.Lock()
	lost := b.lost
	b.mu.Unlock()
	if lost {
		h.SetConnectionState(false)
	}
}

// StartConnection implements uart.Backend.
func (b *USBBackend) StartConnection(ctx context.Context) error {
	if _, err := b.t.Control(reqHostToInterface, cpIfcEnable, uartEnable, 0, nil); err != nil {
		b.checkLost(err)
		return fmt.Errorf("enable uart: %w", err)
	}
	if _, err := b.t.Control(reqHostToInterface, cpEmbedEvents, embedEventChar, 0, nil); err != nil {
		b.checkLost(err)
		return fmt.Errorf("enable embedded events: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.inTx = false
	b.decoder.reset()
	b.txc = make(chan []byte, 1)
	txc := b.txc
	b.mu.Unlock()

	b.wg.Add(2)
	go b.readLoop(runCtx)
	go b.writeLoop(runCtx, txc)
	return nil
}

// StopConnection implements uart.Backend.
func (b *USBBackend) StopConnection() {
	b.stopWorkers()

	if _, err := b.t.Control(reqHostToInterface, cpPurge, purgeAll, 0, nil); err != nil {
		b.logger.Debug("Purge failed", zap.Error(err))
	}
	if _, err := b.t.Control(reqHostToInterface, cpIfcEnable, uartDisable, 0, nil); err != nil {
		b.logger.Debug("Disable uart failed", zap.Error(err))
	}
}

func (b *USBBackend) readLoop(ctx context.Context) {
	defer b.wg.Done()
	defer utils.LogPanic(b.logger)
	buf := make([]byte, usbReadBuffer)
	for {
		n, err := b.t.ReadBulk(ctx, buf)
		if n > 0 {
			b.mu.Lock()
			var rx []rxEvent
			b.decoder.decode(buf[:n], func(f uart.RxFlags, c byte) { rx = append(rx, rxEvent{f, c}) })
			b.mu.Unlock()
			b.deliver(rx)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if b.checkLost(err) {
			return
		}
		b.logger.Warn("Bulk read failed", zap.Error(err))
		if sleepCtx(ctx, 10*time.Millisecond) != nil {
			return
		}
	}
}

type rxEvent struct {
	flags uart.RxFlags
	b     byte
}

func (b *USBBackend) deliver(rx []rxEvent) {
	h := b.host.get()
	if h == nil || len(rx) == 0 {
		return
	}
	for _, e := range rx {
		h.HandleRxChar(e.flags, e.b)
	}
	h.RxCompleted()
}

func (b *USBBackend) writeLoop(ctx context.Context, txc <-chan []byte) {
	defer b.wg.Done()
	defer utils.LogPanic(b.logger)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-txc:
			if _, err := b.t.WriteBulk(ctx, chunk); err != nil && ctx.Err() == nil {
				if !b.checkLost(err) {
					b.logger.Warn("Bulk write failed", zap.Error(err))
				}
			}
			b.mu.Lock()
			b.inTx = false
			b.mu.Unlock()
			b.host.txQueued()
		}
	}
}

// checkLost marks the device disconnected when err reports device loss.
func (b *USBBackend) checkLost(err error) bool {
	if !errors.Is(err, uart.ErrDisconnected) {
		return false
	}
	b.mu.Lock()
	already := b.lost
	b.lost = true
	b.mu.Unlock()
	if !already {
		b.logger.Error("USB adapter removed")
		b.host.state(false)
	}
	return true
}

// InitTx implements uart.Backend.
func (b *USBBackend) InitTx() {}

// ReadyForTx implements uart.Backend.
func (b *USBBackend) ReadyForTx() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.inTx && !b.lost && b.txc != nil && b.cancel != nil
}

// TxChars implements uart.Backend.
func (b *USBBackend) TxChars(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inTx = true
	select {
	case b.txc <- bytes.Clone(chunk):
	default:
		b.inTx = false
		b.logger.Error("Bulk transfer already in flight, chunk dropped")
	}
}

// StopTx implements uart.Backend.
func (b *USBBackend) StopTx() {}

// TxChunkSize implements uart.Backend.
func (b *USBBackend) TxChunkSize() int { return USBTxChunkSize }

// TxBulkSize implements uart.Backend.
func (b *USBBackend) TxBulkSize() int { return USBTxChunkSize }

// DeviceType implements uart.DeviceTyper.
func (b *USBBackend) DeviceType() string {
	return b.t.Product() + "@" + b.t.Location()
}

// Lines implements uart.LineDriver. Only latch-capable parts expose LEDs.
func (b *USBBackend) Lines() uart.LineMask {
	if hasLatch(b.partNum) {
		return uart.LEDLines
	}
	return 0
}

// DefaultLines returns the LED state set during probe.
func (b *USBBackend) DefaultLines() uart.LineMask {
	if hasLatch(b.partNum) {
		return initialLEDs
	}
	return 0
}

// WriteLines implements uart.LineDriver.
func (b *USBBackend) WriteLines(mask, values uart.LineMask) error {
	if !hasLatch(b.partNum) {
		return uart.ErrUnsupported
	}
	b.mu.Lock()
	b.gpio = b.gpio&^mask | values&mask
	v := uint8(b.gpio & uart.LEDLines)
	b.mu.Unlock()
	if err := b.writeLatch(ledLatchMask, v<<1); err != nil {
		b.latchErr.Do(func() { b.logger.Warn("Latch write failed", zap.Error(err)) })
		return err
	}
	return nil
}

// ResetRadioModule implements uart.RadioResetter through latch bit 0.
func (b *USBBackend) ResetRadioModule(ctx context.Context) error {
	if !hasLatch(b.partNum) {
		return uart.ErrUnsupported
	}
	first, second := uint8(1), uint8(0)
	if b.invertReset {
		first, second = 0, 1
	}
	if err := b.writeLatch(resetLatchMask, first); err != nil {
		return fmt.Errorf("assert reset: %w", err)
	}
	if err := sleepCtx(ctx, uart.ResetHoldTime); err != nil {
		b.writeLatch(resetLatchMask, second)
		return err
	}
	if err := b.writeLatch(resetLatchMask, second); err != nil {
		return fmt.Errorf("release reset: %w", err)
	}
	return sleepCtx(ctx, uart.ResetHoldTime)
}

// Close releases the USB device.
func (b *USBBackend) Close() error {
	b.stopWorkers()
	if b.t == nil {
		return nil
	}
	return b.t.Close()
}

func (b *USBBackend) stopWorkers() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		b.wg.Wait()
	}
}
