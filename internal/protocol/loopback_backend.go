// internal/protocol/loopback_backend.go
package protocol

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"raw-uart-service/internal/uart"
)

// LoopbackBackend echoes every transmitted chunk back into the receive
// path after Delay. It exposes in-memory LED and reset lines.
type LoopbackBackend struct {
	config *LoopbackConfig
	logger *zap.Logger
	host   hostRef

	mu       sync.Mutex
	running  bool
	busy     bool
	lines    uart.LineMask
	writes   int
	released uart.LineMask
	echo     chan []byte
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewLoopbackBackend creates a loopback backend.
func NewLoopbackBackend(config *LoopbackConfig, logger *zap.Logger) *LoopbackBackend {
	return &LoopbackBackend{
		config: config,
		logger: logger.With(zap.String("protocol", TypeLoopback)),
	}
}

// Attach implements uart.Backend.
func (l *LoopbackBackend) Attach(h uart.Host) { l.host.set(h) }

// StartConnection implements uart.Backend.
func (l *LoopbackBackend) StartConnection(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = true
	l.busy = false
	l.echo = make(chan []byte, 1)
	l.stop = make(chan struct{})
	l.wg.Add(1)
	go l.run(l.echo, l.stop)
	return nil
}

// StopConnection implements uart.Backend.
func (l *LoopbackBackend) StopConnection() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *LoopbackBackend) run(echo <-chan []byte, stop <-chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case <-stop:
			return
		case chunk := <-echo:
			if l.config.Delay > 0 {
				select {
				case <-stop:
					return
				case <-time.After(l.config.Delay):
				}
			}
			l.host.rx(0, chunk)
			l.mu.Lock()
			l.busy = false
			l.mu.Unlock()
			l.host.txQueued()
		}
	}
}

// InitTx implements uart.Backend.
func (l *LoopbackBackend) InitTx() {}

// ReadyForTx implements uart.Backend.
func (l *LoopbackBackend) ReadyForTx() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running && !l.busy
}

// TxChars implements uart.Backend.
func (l *LoopbackBackend) TxChars(chunk []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	select {
	case l.echo <- bytes.Clone(chunk):
		l.busy = true
	default:
		l.logger.Error("Loopback chunk already in flight, chunk dropped")
	}
}

// StopTx implements uart.Backend.
func (l *LoopbackBackend) StopTx() {}

// TxChunkSize implements uart.Backend.
func (l *LoopbackBackend) TxChunkSize() int { return l.config.ChunkSize }

// TxBulkSize implements uart.Backend.
func (l *LoopbackBackend) TxBulkSize() int { return l.config.ChunkSize }

// DeviceType implements uart.DeviceTyper.
func (l *LoopbackBackend) DeviceType() string { return "loopback" }

// Lines implements uart.LineDriver.
func (l *LoopbackBackend) Lines() uart.LineMask {
	return uart.LEDLines | uart.LineReset.Mask()
}

// WriteLines implements uart.LineDriver.
func (l *LoopbackBackend) WriteLines(mask, values uart.LineMask) error {
	l.mu.Lock()
	l.lines = l.lines&^mask | values&mask
	l.writes++
	l.mu.Unlock()
	return nil
}

// ReleaseLine implements uart.LineReleaser.
func (l *LoopbackBackend) ReleaseLine(line uart.Line) error {
	l.mu.Lock()
	l.released |= line.Mask()
	l.mu.Unlock()
	return nil
}

// Released returns the lines returned to input so far.
func (l *LoopbackBackend) Released() uart.LineMask {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// State returns the current line levels and the number of line writes.
func (l *LoopbackBackend) State() (uart.LineMask, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines, l.writes
}

// Close implements uart.Closer.
func (l *LoopbackBackend) Close() error {
	l.StopConnection()
	return nil
}
