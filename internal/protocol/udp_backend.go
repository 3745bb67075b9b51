// internal/protocol/udp_backend.go
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"raw-uart-service/internal/retry"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

const (
	udpStartStopSettle = 20 * time.Millisecond
	udpResetSettle     = 100 * time.Millisecond
	udpPollInterval    = 100 * time.Millisecond
)

// UDPBackend tunnels the UART over UDP to an HB-RF-ETH style adapter.
// A receiver goroutine handles inbound frames, keepalives and reconnects;
// a sender goroutine drains the transmit queue.
type UDPBackend struct {
	config *UDPConfig
	logger *zap.Logger
	host   hostRef

	mu         sync.Mutex
	conn       *net.UDPConn
	remote     *net.UDPAddr
	endpointID byte
	started    bool
	gpio       uart.LineMask

	seq      atomic.Uint32
	lastRx   atomic.Int64
	protoErr atomic.Uint64
	txq      chan []byte

	logProto rate.Sometimes
	logOther rate.Sometimes

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPBackend creates a UDP backend. Connect must succeed before the
// backend is attached to a device.
func NewUDPBackend(config *UDPConfig, logger *zap.Logger) *UDPBackend {
	return &UDPBackend{
		config: config,
		logger: logger.With(
			zap.String("protocol", TypeUDP),
			zap.String("host", config.Host),
		),
		endpointID: config.EndpointID,
		txq:        make(chan []byte, config.TxQueueDepth),
		logProto:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
		logOther:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Connect resolves the remote adapter, performs the handshake and starts
// the background goroutines.
func (b *UDPBackend) Connect(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(b.config.Host, strconv.Itoa(b.config.Port)))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve %s: %w", b.config.Host, err))
	}
	b.remote = addr

	b.logger.Info("Connecting to UDP adapter", zap.String("remote", addr.String()))

	cfg := retry.Quick()
	cfg.MaxAttempts = b.config.ConnectAttempts
	conn, err := retry.DoWithResult(ctx, cfg, func() (*net.UDPConn, error) {
		return b.dial(b.endpointID)
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.lastRx.Store(time.Now().UnixNano())

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(2)
	go b.receiveLoop(runCtx)
	go b.sendLoop(runCtx)

	if b.config.ResetOnConnect {
		if err := b.ResetRadioModule(ctx); err != nil {
			b.logger.Warn("Initial radio reset failed", zap.Error(err))
		}
	}

	b.logger.Info("Connected to UDP adapter", zap.Uint8("endpoint_id", b.currentEndpoint()))
	return nil
}

// dial opens a socket and runs the connect handshake on it.
func (b *UDPBackend) dial(endpointID byte) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp", nil, b.remote)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	seq, err := b.sendOn(conn, OpConnect, []byte{UDPProtocolVersion, endpointID})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	deadline := time.Now().Add(b.config.ConnectTimeout)
	buf := make([]byte, udpBufferSize)
	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			conn.Close()
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("handshake with %s: %w", b.remote, uart.ErrTimeout)
			}
			return nil, fmt.Errorf("handshake with %s: %w", b.remote, err)
		}
		if n != 7 {
			continue
		}
		f, err := DecodeFrame(buf[:n])
		if err != nil {
			continue
		}
		if f.Op == OpConnect && f.Payload[0] == UDPProtocolVersion && f.Payload[1] == seq {
			b.mu.Lock()
			b.endpointID = f.Payload[2]
			b.mu.Unlock()
			conn.SetReadDeadline(time.Time{})
			return conn, nil
		}
	}
}

func (b *UDPBackend) sendOn(conn *net.UDPConn, op Opcode, payload []byte) (byte, error) {
	seq := byte(b.seq.Add(1))
	frame := EncodeFrame(op, seq, payload)
	n, err := conn.Write(frame)
	if err != nil {
		return seq, err
	}
	if n != len(frame) {
		return seq, fmt.Errorf("short write: %d of %d bytes", n, len(frame))
	}
	return seq, nil
}

func (b *UDPBackend) send(op Opcode, payload []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return uart.ErrDisconnected
	}
	if _, err := b.sendOn(conn, op, payload); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func (b *UDPBackend) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	defer utils.LogPanic(b.logger)

	buf := make([]byte, udpBufferSize)
	nextKeepAlive := time.Now()

	for ctx.Err() == nil {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			if !b.reconnect(ctx) {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(udpPollInterval))
		n, err := conn.Read(buf)
		switch {
		case err == nil:
			b.handlePacket(buf[:n])
		case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, net.ErrClosed):
		default:
			b.logOther.Do(func() { b.logger.Warn("UDP receive failed", zap.Error(err)) })
		}

		if time.Since(time.Unix(0, b.lastRx.Load())) > b.config.DeadTimeout {
			b.logger.Error("No packet received within dead timeout, terminating connection",
				zap.Duration("dead_timeout", b.config.DeadTimeout))
			b.dropConn()
			if !b.config.AutoReconnect {
				return
			}
			continue
		}

		if time.Now().After(nextKeepAlive) {
			nextKeepAlive = time.Now().Add(b.config.KeepAliveInterval)
			if err := b.send(OpKeepAlive, nil); err != nil {
				b.logOther.Do(func() { b.logger.Warn("Keepalive failed", zap.Error(err)) })
			}
		}
	}
}

func (b *UDPBackend) handlePacket(p []byte) {
	f, err := DecodeFrame(p)
	if err != nil {
		b.protoErr.Add(1)
		b.logProto.Do(func() { b.logger.Warn("Dropping malformed UDP frame", zap.Error(err)) })
		return
	}

	switch f.Op {
	case OpKeepAlive:
		b.lastRx.Store(time.Now().UnixNano())
	case OpData:
		b.lastRx.Store(time.Now().UnixNano())
		b.host.rx(0, f.Payload)
	default:
		b.logOther.Do(func() {
			b.logger.Info("Received unknown UDP frame",
				zap.Stringer("op", f.Op),
				zap.Binary("frame", p),
			)
		})
	}
}

func (b *UDPBackend) dropConn() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	b.host.state(false)
}

// reconnect retries the handshake until it succeeds or ctx is done.
func (b *UDPBackend) reconnect(ctx context.Context) bool {
	ticker := time.NewTicker(b.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		b.logger.Info("Trying to reconnect", zap.String("remote", b.remote.String()))
		conn, err := b.dial(b.currentEndpoint())
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			started := b.started
			b.mu.Unlock()
			b.lastRx.Store(time.Now().UnixNano())
			b.logger.Info("Reconnected to UDP adapter")
			b.host.state(true)
			if started {
				if err := b.send(OpStart, nil); err != nil {
					b.logger.Warn("Failed to restart stream after reconnect", zap.Error(err))
				}
			}
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (b *UDPBackend) sendLoop(ctx context.Context) {
	defer b.wg.Done()
	defer utils.LogPanic(b.logger)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-b.txq:
			if err := b.send(OpData, chunk); err != nil {
				b.logOther.Do(func() { b.logger.Warn("Failed to send data frame", zap.Error(err)) })
			}
			b.host.txQueued()
		}
	}
}

func (b *UDPBackend) currentEndpoint() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpointID
}

// Attach implements uart.Backend.
func (b *UDPBackend) Attach(h uart.Host) {
	b.host.set(h)
	if !b.isConnected() {
		h.SetConnectionState(false)
	}
}

func (b *UDPBackend) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// StartConnection implements uart.Backend.
func (b *UDPBackend) StartConnection(ctx context.Context) error {
	if err := b.send(OpStart, nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return sleepCtx(ctx, udpStartStopSettle)
}

// StopConnection implements uart.Backend.
func (b *UDPBackend) StopConnection() {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	if err := b.send(OpStop, nil); err != nil {
		b.logger.Debug("Stop not sent", zap.Error(err))
		return
	}
	time.Sleep(udpStartStopSettle)
}

// InitTx implements uart.Backend.
func (b *UDPBackend) InitTx() {}

// ReadyForTx implements uart.Backend.
func (b *UDPBackend) ReadyForTx() bool {
	return b.isConnected() && len(b.txq) < cap(b.txq)
}

// TxChars implements uart.Backend.
func (b *UDPBackend) TxChars(chunk []byte) {
	select {
	case b.txq <- bytes.Clone(chunk):
	default:
		b.logger.Error("Transmit queue overflow, chunk dropped", zap.Int("bytes", len(chunk)))
	}
}

// StopTx implements uart.Backend.
func (b *UDPBackend) StopTx() {}

// TxChunkSize implements uart.Backend.
func (b *UDPBackend) TxChunkSize() int { return UDPTxChunkSize }

// TxBulkSize implements uart.Backend.
func (b *UDPBackend) TxBulkSize() int { return UDPTxChunkSize }

// DeviceType implements uart.DeviceTyper.
func (b *UDPBackend) DeviceType() string {
	if b.isConnected() && b.remote != nil {
		return "HB-RF-ETH@" + b.remote.IP.String()
	}
	return "HB-RF-ETH@-"
}

// ResetRadioModule implements uart.RadioResetter.
func (b *UDPBackend) ResetRadioModule(ctx context.Context) error {
	if err := b.send(OpResetRadio, nil); err != nil {
		return err
	}
	return sleepCtx(ctx, udpResetSettle)
}

// Lines implements uart.LineDriver; the adapter forwards the LED lines.
func (b *UDPBackend) Lines() uart.LineMask { return uart.LEDLines }

// WriteLines implements uart.LineDriver.
func (b *UDPBackend) WriteLines(mask, values uart.LineMask) error {
	b.mu.Lock()
	b.gpio = b.gpio&^mask | values&mask
	v := byte(b.gpio & uart.LEDLines)
	b.mu.Unlock()
	return b.send(OpSetLED, []byte{v})
}

// ProtocolErrors returns the number of malformed frames dropped.
func (b *UDPBackend) ProtocolErrors() uint64 { return b.protoErr.Load() }

// Close sends a disconnect and stops the background goroutines.
func (b *UDPBackend) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	var err error
	if conn != nil {
		b.sendOn(conn, OpDisconnect, nil)
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", uart.ErrInterrupted, ctx.Err())
	}
}
