package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"raw-uart-service/internal/retry"
)

// pipePort is an in-memory SerialPort.
type pipePort struct {
	rx      *io.PipeReader
	rxw     *io.PipeWriter
	mu      sync.Mutex
	written bytes.Buffer
	resets  int
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{rx: r, rxw: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.rx.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.rxw.CloseWithError(&serial.PortError{})
	return p.rx.Close()
}

func (p *pipePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *pipePort) output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

func TestSerialRejectsInvalidMode(t *testing.T) {
	cfg := defaultSerialConfig()
	cfg.Parity = "mark"
	_, err := NewSerialBackend(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg = defaultSerialConfig()
	cfg.StopBits = 3
	_, err = NewSerialBackend(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSerialBackendWithFakePort(t *testing.T) {
	port := newPipePort()
	var opened *serial.Mode
	open := func(name string, mode *serial.Mode) (SerialPort, error) {
		opened = mode
		return port, nil
	}

	cfg := defaultSerialConfig()
	cfg.Port = "/dev/ttyFAKE"
	b, err := newSerialBackend(cfg, open, zap.NewNop())
	require.NoError(t, err)
	h := &recordingHost{}
	b.Attach(h)

	assert.False(t, b.ReadyForTx())
	require.NoError(t, b.StartConnection(context.Background()))
	assert.Equal(t, 115200, opened.BaudRate)
	assert.Equal(t, 1, port.resets)

	go port.rxw.Write([]byte{0xfd, 0x00, 0x01})
	require.Eventually(t, func() bool { return len(h.bytes()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []byte{0xfd, 0x00, 0x01}, h.bytes())

	require.True(t, b.ReadyForTx())
	b.TxChars([]byte("ping"))
	require.Eventually(t, func() bool { return h.txCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []byte("ping"), port.output())

	b.StopConnection()
	assert.False(t, b.ReadyForTx())
	assert.Empty(t, h.stateHistory())
}

func fastReopen() retry.Config {
	return retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestSerialBackendReopensLostPort(t *testing.T) {
	first, second := newPipePort(), newPipePort()
	var mu sync.Mutex
	opens := 0
	open := func(name string, mode *serial.Mode) (SerialPort, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		switch opens {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("no such file or directory")
		default:
			return second, nil
		}
	}

	b, err := newSerialBackend(defaultSerialConfig(), open, zap.NewNop())
	require.NoError(t, err)
	b.reopenPolicy = fastReopen()
	h := &recordingHost{}
	b.Attach(h)
	require.NoError(t, b.StartConnection(context.Background()))
	defer b.StopConnection()

	first.rxw.CloseWithError(errors.New("input/output error"))
	require.Eventually(t, func() bool { return len(h.stateHistory()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, h.stateHistory())

	go second.rxw.Write([]byte("back"))
	require.Eventually(t, func() bool { return bytes.Equal(h.bytes(), []byte("back")) }, waitFor, 5*time.Millisecond)

	require.True(t, b.ReadyForTx())
	b.TxChars([]byte("ok"))
	require.Eventually(t, func() bool { return bytes.Equal(second.output(), []byte("ok")) }, waitFor, 5*time.Millisecond)
}

func TestSerialBackendStopWhileLost(t *testing.T) {
	port := newPipePort()
	var opened atomic.Bool
	open := func(name string, mode *serial.Mode) (SerialPort, error) {
		if opened.Swap(true) {
			return nil, errors.New("no such device")
		}
		return port, nil
	}

	b, err := newSerialBackend(defaultSerialConfig(), open, zap.NewNop())
	require.NoError(t, err)
	b.reopenPolicy = fastReopen()
	h := &recordingHost{}
	b.Attach(h)
	require.NoError(t, b.StartConnection(context.Background()))

	port.rxw.CloseWithError(errors.New("input/output error"))
	require.Eventually(t, func() bool { return len(h.stateHistory()) == 1 }, waitFor, 5*time.Millisecond)
	assert.False(t, b.ReadyForTx())

	b.StopConnection()
	assert.Equal(t, []bool{false, true}, h.stateHistory())
}

func TestSerialBackendOverPty(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer ptmx.Close()
	name := tty.Name()
	tty.Close()

	cfg := defaultSerialConfig()
	cfg.Port = name
	b, err := NewSerialBackend(cfg, zap.NewNop())
	require.NoError(t, err)
	h := &recordingHost{}
	b.Attach(h)

	if err := b.StartConnection(context.Background()); err != nil {
		t.Skipf("cannot open pty as serial port: %v", err)
	}
	defer b.StopConnection()

	_, err = ptmx.Write([]byte("HMIP"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bytes.Equal(h.bytes(), []byte("HMIP")) }, waitFor, 5*time.Millisecond)

	b.TxChars([]byte("ack"))
	buf := make([]byte, 3)
	ptmx.SetReadDeadline(time.Now().Add(waitFor))
	_, err = io.ReadFull(ptmx, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), buf)
}
