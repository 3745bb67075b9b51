// internal/uart/device.go
package uart

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults taken over from the raw UART multiplexer driver.
const (
	DefaultMaxConnections = 3
	DefaultRxBufferSize   = 1024
	DefaultTxBufferSize   = 4096
	MaxTxBufferSize       = 64 * 1024
	MaxDeviceTypeLen      = 64

	// GenericDeviceType is reported for backends without an identity.
	GenericDeviceType = "generic raw uart"
)

// Config configures a Device.
type Config struct {
	Name           string
	MaxConnections int
	RxBufferSize   int
	TxBufferSize   int

	// Gpio drives auxiliary lines for backends that do not forward them
	// themselves. Ignored when the backend implements GpioCapable.
	Gpio        LineDriver
	GpioInitial LineMask

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RxBufferSize <= 0 {
		c.RxBufferSize = DefaultRxBufferSize
	}
	if c.TxBufferSize <= 0 {
		c.TxBufferSize = DefaultTxBufferSize
	}
	if c.TxBufferSize > MaxTxBufferSize {
		c.TxBufferSize = MaxTxBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// StateEvent is published on every connection-state transition.
type StateEvent struct {
	Device    string    `json:"device"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// Counters are the per-device traffic and line-error counters.
type Counters struct {
	Tx            uint64 `json:"tx"`
	Rx            uint64 `json:"rx"`
	Break         uint64 `json:"break"`
	Parity        uint64 `json:"parity"`
	Frame         uint64 `json:"frame"`
	Overrun       uint64 `json:"overrun"`
	BufferOverrun uint64 `json:"buffer_overrun"`
}

// Stats is a point-in-time snapshot of a device.
type Stats struct {
	Name           string   `json:"name"`
	Slot           int      `json:"slot"`
	DeviceType     string   `json:"device_type"`
	Connected      bool     `json:"connected"`
	OpenCount      int      `json:"open_count"`
	MaxConnections int      `json:"max_connections"`
	Counters       Counters `json:"counters"`
	RxQueued       int      `json:"rx_queued"`
	RxHead         int      `json:"rx_head"`
	RxTail         int      `json:"rx_tail"`
	RxCapacity     int      `json:"rx_capacity"`
	Sender         string   `json:"sender,omitempty"`
	SenderPriority uint32   `json:"sender_priority"`
	Suspended      int      `json:"suspended_senders"`
	Waiting        int      `json:"waiting_senders"`
	Gpio           LineMask `json:"gpio_lines"`
}

// Device multiplexes one backend to several connections.
type Device struct {
	name    string
	slot    int
	cfg     Config
	backend Backend
	gpio    *GpioController
	logger  *zap.Logger

	mu        sync.Mutex
	resetMu   sync.Mutex
	openCount int
	started   bool
	removed   bool
	conns     map[uuid.UUID]*Connection

	rx    *RingBuffer
	readq *notifier
	arb   *arbitrator

	done       chan struct{}
	removeOnce sync.Once

	tx, rxCount, brk, parity, frame, overrun atomic.Uint64

	// Kept apart from mu: StopConnection runs under mu and may wait for
	// backend goroutines that report state.
	stateMu   sync.Mutex
	connected atomic.Bool

	subsMu  sync.Mutex
	subs    map[int]chan StateEvent
	nextSub int
}

// NewDevice creates a device for backend and attaches itself as the
// backend's host. The device starts in the connected state.
func NewDevice(backend Backend, cfg Config) *Device {
	cfg.applyDefaults()

	d := &Device{
		name:    cfg.Name,
		slot:    -1,
		cfg:     cfg,
		backend: backend,
		logger:  cfg.Logger.With(zap.String("device", cfg.Name)),
		conns:   make(map[uuid.UUID]*Connection),
		rx:      NewRingBuffer(cfg.RxBufferSize),
		readq:   newNotifier(),
		done:    make(chan struct{}),
		subs:    make(map[int]chan StateEvent),
	}
	d.connected.Store(true)
	d.arb = newArbitrator(backend, &d.tx)

	var driver LineDriver = cfg.Gpio
	if g, ok := backend.(GpioCapable); ok {
		driver = g
	}
	d.gpio = NewGpioController(driver, cfg.GpioInitial, d.logger)

	backend.Attach(d)
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Slot returns the registry slot, or -1 when unregistered.
func (d *Device) Slot() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slot
}

// Backend returns the transport backend.
func (d *Device) Backend() Backend { return d.backend }

// Gpio returns the auxiliary line controller.
func (d *Device) Gpio() *GpioController { return d.gpio }

// MaxConnections returns the open-connection limit.
func (d *Device) MaxConnections() int { return d.cfg.MaxConnections }

// MaxMessageSize returns the largest accepted write.
func (d *Device) MaxMessageSize() int { return d.cfg.TxBufferSize }

// Open creates a connection. The first open resets the receive buffer
// and starts the backend.
func (d *Device) Open(ctx context.Context, label string) (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.removed:
		return nil, ErrNoDevice
	case !d.connected.Load():
		return nil, ErrUnavailable
	case d.openCount >= d.cfg.MaxConnections:
		return nil, fmt.Errorf("%d connections open: %w", d.openCount, ErrResourceExhausted)
	}

	if d.openCount == 0 {
		d.rx.Reset()
		if err := d.backend.StartConnection(ctx); err != nil {
			return nil, fmt.Errorf("start connection: %w", err)
		}
		d.started = true
	}

	c := newConnection(d, label)
	d.conns[c.id] = c
	d.openCount++

	d.logger.Debug("Connection opened",
		zap.String("connection_id", c.id.String()),
		zap.String("label", label),
		zap.Int("open_count", d.openCount),
	)
	return c, nil
}

func (d *Device) release(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conns[c.id]; !ok {
		return
	}
	delete(d.conns, c.id)
	d.openCount--

	if d.openCount == 0 && d.started {
		d.backend.StopConnection()
		d.started = false
	}

	d.logger.Debug("Connection closed",
		zap.String("connection_id", c.id.String()),
		zap.Int("open_count", d.openCount),
	)
}

// OpenCount returns the number of open connections.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}

// Connected reports the transport connection state.
func (d *Device) Connected() bool {
	return d.connected.Load()
}

// Connection looks up an open connection by id.
func (d *Device) Connection(id uuid.UUID) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	return c, ok
}

// Connections returns the open connections ordered by open time.
func (d *Device) Connections() []*Connection {
	d.mu.Lock()
	list := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		list = append(list, c)
	}
	d.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].openedAt.Before(list[j].openedAt) })
	return list
}

// DeviceType returns the backend identity, or GenericDeviceType. It is cut
// to at most MaxDeviceTypeLen bytes on a rune boundary.
func (d *Device) DeviceType() string {
	t := GenericDeviceType
	if typer, ok := d.backend.(DeviceTyper); ok {
		t = typer.DeviceType()
	}
	if len(t) > MaxDeviceTypeLen {
		n := MaxDeviceTypeLen
		for n > 0 && !utf8.RuneStart(t[n]) {
			n--
		}
		t = t[:n]
	}
	return t
}

// RxQueued returns the number of received bytes waiting to be read.
func (d *Device) RxQueued() int {
	return d.rx.Len()
}

// Reset hard-resets the attached radio module. It fails with ErrBusy when
// more than maxOpen connections are open. Backends with their own reset
// are used first, then the reset line.
func (d *Device) Reset(ctx context.Context, maxOpen int) error {
	d.resetMu.Lock()
	defer d.resetMu.Unlock()

	d.mu.Lock()
	removed, open := d.removed, d.openCount
	d.mu.Unlock()

	if removed {
		return ErrNoDevice
	}
	if open > maxOpen {
		return fmt.Errorf("%d connections open, %d allowed: %w", open, maxOpen, ErrBusy)
	}

	d.logger.Info("Resetting radio module", zap.Int("open_count", open))

	if r, ok := d.backend.(RadioResetter); ok {
		return r.ResetRadioModule(ctx)
	}
	if d.gpio.Has(LineReset) {
		return d.gpio.PulseReset(ctx, LineReset)
	}
	return ErrUnsupported
}

// Stats returns a snapshot of counters and buffer state.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Name:           d.name,
		Slot:           d.slot,
		Connected:      d.connected.Load(),
		OpenCount:      d.openCount,
		MaxConnections: d.cfg.MaxConnections,
	}
	d.mu.Unlock()

	s.DeviceType = d.DeviceType()
	s.Counters = Counters{
		Tx:            d.tx.Load(),
		Rx:            d.rxCount.Load(),
		Break:         d.brk.Load(),
		Parity:        d.parity.Load(),
		Frame:         d.frame.Load(),
		Overrun:       d.overrun.Load(),
		BufferOverrun: d.rx.Overflows(),
	}
	s.RxQueued = d.rx.Len()
	s.RxHead, s.RxTail = d.rx.Positions()
	s.RxCapacity = d.rx.Cap()
	if sender := d.arb.sender(); sender != nil {
		s.Sender = sender.id.String()
		s.SenderPriority = sender.Priority()
	}
	s.Suspended, s.Waiting = d.arb.queueLengths()
	s.Gpio = d.gpio.Lines()
	return s
}

// Subscribe returns a channel of connection-state transitions and a
// function cancelling the subscription. Events are dropped for
// subscribers that do not keep up. The channel is closed on removal.
func (d *Device) Subscribe() (<-chan StateEvent, func()) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	ch := make(chan StateEvent, 16)
	if d.isRemoved() {
		close(ch)
		return ch, func() {}
	}

	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch

	return ch, func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		if sub, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(sub)
		}
	}
}

func (d *Device) publish(ev StateEvent) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("State subscriber slow, dropping event", zap.Bool("connected", ev.Connected))
		}
	}
}

// Remove tears the device down: every blocked call returns
// ErrInterrupted, the backend is stopped and released.
func (d *Device) Remove() {
	d.removeOnce.Do(func() {
		d.mu.Lock()
		d.removed = true
		close(d.done)
		if d.started {
			d.backend.StopConnection()
			d.started = false
		}
		d.mu.Unlock()

		d.gpio.Close()
		if c, ok := d.backend.(Closer); ok {
			if err := c.Close(); err != nil {
				d.logger.Warn("Backend close failed", zap.Error(err))
			}
		}

		d.subsMu.Lock()
		for id, ch := range d.subs {
			delete(d.subs, id)
			close(ch)
		}
		d.subsMu.Unlock()

		d.logger.Info("Device removed")
	})
}

func (d *Device) isRemoved() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// HandleRxChar implements Host.
func (d *Device) HandleRxChar(flags RxFlags, b byte) {
	d.rxCount.Add(1)
	if flags&RxBreak != 0 {
		d.brk.Add(1)
		return
	}
	if flags&RxParity != 0 {
		d.parity.Add(1)
	}
	if flags&RxFrame != 0 {
		d.frame.Add(1)
	}
	if flags&RxOverrun != 0 {
		d.overrun.Add(1)
	}
	d.rx.Push(b)
}

// RxCompleted implements Host.
func (d *Device) RxCompleted() {
	d.readq.broadcast()
}

// TxQueued implements Host.
func (d *Device) TxQueued() {
	d.arb.txQueued()
}

// SetConnectionState implements Host.
func (d *Device) SetConnectionState(connected bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.connected.Swap(connected) == connected {
		return
	}

	if connected {
		d.logger.Info("Transport connected")
	} else {
		d.logger.Warn("Transport disconnected")
	}

	d.publish(StateEvent{Device: d.name, Connected: connected, Timestamp: time.Now()})
	d.readq.broadcast()
	d.arb.writeq.broadcast()
}
