// internal/uart/connection.go
package uart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PollMask reports connection readiness, mirroring poll(2) semantics.
type PollMask uint8

const (
	PollReadable PollMask = 1 << iota
	PollWritable
)

// Connection is one client handle on a Device. Reads share the device's
// receive stream with every other connection; writes are arbitrated by
// priority.
type Connection struct {
	id       uuid.UUID
	dev      *Device
	label    string
	openedAt time.Time
	priority atomic.Uint32

	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool

	closing   chan struct{}
	closeOnce sync.Once

	// guarded by dev.arb.mu
	txBuf   []byte
	txIndex int
	txLen   int
}

func newConnection(d *Device, label string) *Connection {
	return &Connection{
		id:       uuid.New(),
		dev:      d,
		label:    label,
		openedAt: time.Now(),
		closing:  make(chan struct{}),
		txBuf:    make([]byte, d.cfg.TxBufferSize),
	}
}

// ID returns the connection id.
func (c *Connection) ID() uuid.UUID { return c.id }

// Label returns the free-form label given at open, usually the peer address.
func (c *Connection) Label() string { return c.label }

// OpenedAt returns when the connection was opened.
func (c *Connection) OpenedAt() time.Time { return c.openedAt }

// Device returns the device the connection belongs to.
func (c *Connection) Device() *Device { return c.dev }

// Priority returns the transmit priority.
func (c *Connection) Priority() uint32 { return c.priority.Load() }

// SetPriority changes the transmit priority. It applies to the next
// arbitration decision and never preempts by itself.
func (c *Connection) SetPriority(p uint32) { c.priority.Store(p) }

// Read copies buffered receive data into p. Without nonBlocking it waits
// until data arrives; a single call never reads past the ring's wrap point.
func (c *Connection) Read(ctx context.Context, p []byte, nonBlocking bool) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	d := c.dev
	for {
		ch := d.readq.wait()
		if n := d.rx.ReadContiguous(p); n > 0 {
			return n, nil
		}
		if d.isRemoved() {
			return 0, fmt.Errorf("read: %w: %w", ErrInterrupted, ErrNoDevice)
		}
		if !d.Connected() {
			return 0, ErrDisconnected
		}
		if nonBlocking {
			return 0, ErrWouldBlock
		}

		select {
		case <-ch:
		case <-c.closing:
			return 0, fmt.Errorf("read: %w: %w", ErrInterrupted, ErrClosed)
		case <-d.done:
			return 0, fmt.Errorf("read: %w: %w", ErrInterrupted, ErrNoDevice)
		case <-ctx.Done():
			return 0, fmt.Errorf("read: %w: %w", ErrInterrupted, ctx.Err())
		}
	}
}

// Write transmits p and blocks until every byte has been handed to the
// backend. It returns the number of bytes sent; on error that is the
// part transmitted before the write was abandoned.
func (c *Connection) Write(ctx context.Context, p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	d := c.dev
	switch {
	case c.closed:
		return 0, ErrClosed
	case d.isRemoved():
		return 0, ErrNoDevice
	case len(p) > len(c.txBuf):
		return 0, fmt.Errorf("write of %d bytes exceeds %d: %w", len(p), len(c.txBuf), ErrMessageTooLarge)
	case !d.Connected():
		return 0, ErrDisconnected
	case len(p) == 0:
		return 0, nil
	}

	d.arb.submit(c, p)
	for {
		ch := d.arb.writeq.wait()
		sent, done := d.arb.progress(c)
		if done {
			return sent, nil
		}
		if !d.Connected() {
			return c.abandon(ErrDisconnected)
		}

		select {
		case <-ch:
		case <-c.closing:
			return c.abandon(fmt.Errorf("write: %w: %w", ErrInterrupted, ErrClosed))
		case <-d.done:
			return c.abandon(fmt.Errorf("write: %w: %w", ErrInterrupted, ErrNoDevice))
		case <-ctx.Done():
			return c.abandon(fmt.Errorf("write: %w: %w", ErrInterrupted, ctx.Err()))
		}
	}
}

// abandon withdraws the pending write. A buffer the backend took in full
// in the meantime is reported as a complete write.
func (c *Connection) abandon(err error) (int, error) {
	sent, done := c.dev.arb.cancel(c)
	if done {
		return sent, nil
	}
	return sent, err
}

// Poll returns the current readiness of the connection. It is writable
// when nobody transmits or the transmitting connection has a strictly
// lower priority.
func (c *Connection) Poll() PollMask {
	var mask PollMask
	if c.dev.rx.Len() > 0 {
		mask |= PollReadable
	}
	if c.dev.arb.canPreempt(c) {
		mask |= PollWritable
	}
	return mask
}

// Close releases the connection. Blocked reads and writes on it return
// ErrInterrupted; Close waits for them before releasing the slot.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.dev.release(c)
	return nil
}
