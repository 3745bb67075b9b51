// internal/protocol/serial_backend.go
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"raw-uart-service/internal/retry"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

// SerialPort is the subset of serial.Port used by the serial backend.
type SerialPort interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// PortOpener opens a serial port.
type PortOpener func(name string, mode *serial.Mode) (SerialPort, error)

func openSerialPort(name string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(name, mode)
}

// serialReopenPolicy paces the attempts to reopen a lost tty. Rounds are
// repeated until the port is back or the connection stops.
var serialReopenPolicy = retry.Config{
	MaxAttempts:  10,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
	AddJitter:    true,
}

// SerialBackend drives a local tty. A reader goroutine feeds the receive
// path and a writer goroutine transmits one chunk at a time. When the tty
// fails the reader reports the loss and reopens it.
type SerialBackend struct {
	config       *SerialConfig
	mode         *serial.Mode
	open         PortOpener
	reopenPolicy retry.Config
	logger       *zap.Logger
	host         hostRef

	mu       sync.Mutex
	port     SerialPort
	lost     bool
	inFlight bool
	txc      chan []byte
	stopping chan struct{}
	wg       sync.WaitGroup
}

// NewSerialBackend creates a serial backend for config.
func NewSerialBackend(config *SerialConfig, logger *zap.Logger) (*SerialBackend, error) {
	return newSerialBackend(config, openSerialPort, logger)
}

func newSerialBackend(config *SerialConfig, open PortOpener, logger *zap.Logger) (*SerialBackend, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
	}

	switch config.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits: %d", config.StopBits)
	}

	switch config.Parity {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("invalid parity: %s", config.Parity)
	}

	return &SerialBackend{
		config:       config,
		mode:         mode,
		open:         open,
		reopenPolicy: serialReopenPolicy,
		logger: logger.With(
			zap.String("protocol", TypeSerial),
			zap.String("port", config.Port),
		),
	}, nil
}

// Attach implements uart.Backend.
func (s *SerialBackend) Attach(h uart.Host) { s.host.set(h) }

// StartConnection opens the tty and starts the reader and writer.
func (s *SerialBackend) StartConnection(ctx context.Context) error {
	s.logger.Info("Opening serial port", zap.Int("baud_rate", s.mode.BaudRate))

	port, err := s.open(s.config.Port, s.mode)
	if err != nil {
		s.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		s.logger.Warn("Failed to flush input buffer", zap.Error(err))
	}

	s.mu.Lock()
	s.port = port
	s.lost = false
	s.inFlight = false
	s.txc = make(chan []byte, 1)
	s.stopping = make(chan struct{})
	txc, stopping := s.txc, s.stopping
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(port, stopping)
	go s.writeLoop(txc, stopping)
	return nil
}

// StopConnection closes the tty and waits for the goroutines. A port that
// is still lost is reported connected again so the next StartConnection
// opens the tty afresh.
func (s *SerialBackend) StopConnection() {
	s.mu.Lock()
	port, stopping := s.port, s.stopping
	s.port, s.stopping = nil, nil
	s.mu.Unlock()
	if stopping == nil {
		return
	}

	close(stopping)
	if port != nil {
		if err := port.Close(); err != nil {
			s.logger.Warn("Failed to close serial port", zap.Error(err))
		}
	}
	s.wg.Wait()

	s.mu.Lock()
	lost := s.lost
	s.lost = false
	s.mu.Unlock()
	if lost {
		s.host.state(true)
	}
	s.logger.Info("Serial port closed")
}

func (s *SerialBackend) readLoop(port SerialPort, stopping <-chan struct{}) {
	defer s.wg.Done()
	defer utils.LogPanic(s.logger)

	for port != nil {
		err := s.readPort(port, stopping)
		if err == nil {
			return
		}
		s.logger.Error("Serial port lost", zap.Error(err))
		s.mu.Lock()
		s.lost = true
		active := s.stopping == stopping
		if active {
			s.port = nil
		}
		s.mu.Unlock()
		s.host.state(false)
		if !active {
			return
		}
		port = s.reopen(port, stopping)
	}
}

// readPort feeds the receive path until the port fails. It returns nil
// once the connection is stopping.
func (s *SerialBackend) readPort(port SerialPort, stopping <-chan struct{}) error {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			s.host.rx(0, buf[:n])
		}
		if err == nil {
			continue
		}
		select {
		case <-stopping:
			return nil
		default:
		}
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
			return nil
		}
		return err
	}
}

// reopen closes the lost port and opens the tty again. It returns nil if
// the connection stops first.
func (s *SerialBackend) reopen(lost SerialPort, stopping <-chan struct{}) SerialPort {
	lost.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		port, err := retry.DoWithResult(ctx, s.reopenPolicy, func() (SerialPort, error) {
			return s.open(s.config.Port, s.mode)
		})
		if err == nil {
			if s.install(port, stopping) {
				return port
			}
			port.Close()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Serial port still unavailable", zap.Error(err))
	}
}

func (s *SerialBackend) install(port SerialPort, stopping <-chan struct{}) bool {
	if err := port.ResetInputBuffer(); err != nil {
		s.logger.Warn("Failed to flush input buffer", zap.Error(err))
	}

	s.mu.Lock()
	if s.stopping != stopping {
		s.mu.Unlock()
		return false
	}
	s.port = port
	s.lost = false
	s.mu.Unlock()

	s.logger.Info("Serial port reopened")
	s.host.state(true)
	return true
}

func (s *SerialBackend) writeLoop(txc <-chan []byte, stopping <-chan struct{}) {
	defer s.wg.Done()
	defer utils.LogPanic(s.logger)
	for {
		select {
		case <-stopping:
			return
		case chunk := <-txc:
			s.mu.Lock()
			port := s.port
			s.mu.Unlock()

			for port != nil && len(chunk) > 0 {
				n, err := port.Write(chunk)
				if err != nil {
					s.logger.Warn("Serial write failed", zap.Error(err))
					break
				}
				chunk = chunk[n:]
			}
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
			s.host.txQueued()
		}
	}
}

// InitTx implements uart.Backend.
func (s *SerialBackend) InitTx() {}

// ReadyForTx implements uart.Backend.
func (s *SerialBackend) ReadyForTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil && !s.inFlight
}

// TxChars implements uart.Backend.
func (s *SerialBackend) TxChars(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = true
	select {
	case s.txc <- bytes.Clone(chunk):
	default:
		s.inFlight = false
		s.logger.Error("Serial chunk already in flight, chunk dropped")
	}
}

// StopTx implements uart.Backend.
func (s *SerialBackend) StopTx() {}

// TxChunkSize implements uart.Backend.
func (s *SerialBackend) TxChunkSize() int { return s.config.ChunkSize }

// TxBulkSize implements uart.Backend.
func (s *SerialBackend) TxBulkSize() int { return s.config.ChunkSize }

// Close implements uart.Closer.
func (s *SerialBackend) Close() error {
	s.StopConnection()
	return nil
}
