package protocol

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-uart-service/internal/uart"
)

// udpPeer emulates the remote adapter on a loopback socket.
type udpPeer struct {
	t    *testing.T
	conn *net.UDPConn

	mu        sync.Mutex
	frames    []Frame
	client    *net.UDPAddr
	silent    bool
	endpoint  byte
	handshake int
}

func newUDPPeer(t *testing.T) *udpPeer {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	p := &udpPeer{t: t, conn: conn, endpoint: 0x2a}
	go p.serve()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *udpPeer) port() int { return p.conn.LocalAddr().(*net.UDPAddr).Port }

func (p *udpPeer) serve() {
	buf := make([]byte, udpBufferSize)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err := DecodeFrame(buf[:n])
		if err != nil {
			continue
		}
		f.Payload = append([]byte(nil), f.Payload...)

		p.mu.Lock()
		p.frames = append(p.frames, f)
		p.client = addr
		silent := p.silent
		if f.Op == OpConnect {
			p.handshake++
		}
		p.mu.Unlock()

		if f.Op == OpConnect && !silent {
			p.conn.WriteToUDP(EncodeFrame(OpConnect, 1, []byte{UDPProtocolVersion, f.Seq, p.endpoint}), addr)
		}
	}
}

func (p *udpPeer) sendRaw(b []byte) {
	p.mu.Lock()
	addr := p.client
	p.mu.Unlock()
	require.NotNil(p.t, addr)
	_, err := p.conn.WriteToUDP(b, addr)
	require.NoError(p.t, err)
}

func (p *udpPeer) setSilent(v bool) {
	p.mu.Lock()
	p.silent = v
	p.mu.Unlock()
}

func (p *udpPeer) received(op Opcode) []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Frame
	for _, f := range p.frames {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func (p *udpPeer) handshakes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshake
}

func testUDPConfig(port int) *UDPConfig {
	cfg := defaultUDPConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.ResetOnConnect = false
	cfg.ConnectTimeout = 200 * time.Millisecond
	return cfg
}

func connectUDP(t *testing.T, cfg *UDPConfig) (*UDPBackend, *recordingHost) {
	b := NewUDPBackend(cfg, zap.NewNop())
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { b.Close() })
	h := &recordingHost{}
	b.Attach(h)
	return b, h
}

func TestUDPHandshake(t *testing.T) {
	peer := newUDPPeer(t)
	b, h := connectUDP(t, testUDPConfig(peer.port()))

	connects := peer.received(OpConnect)
	require.Len(t, connects, 1)
	assert.Equal(t, []byte{UDPProtocolVersion, 0}, connects[0].Payload)
	assert.Equal(t, byte(0x2a), b.currentEndpoint())
	assert.Equal(t, "HB-RF-ETH@127.0.0.1", b.DeviceType())
	assert.Empty(t, h.stateHistory())
}

func TestUDPHandshakeTimeout(t *testing.T) {
	peer := newUDPPeer(t)
	peer.setSilent(true)

	cfg := testUDPConfig(peer.port())
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.ConnectAttempts = 2

	b := NewUDPBackend(cfg, zap.NewNop())
	err := b.Connect(context.Background())
	assert.ErrorIs(t, err, uart.ErrTimeout)
	assert.Equal(t, 2, peer.handshakes())
	assert.Equal(t, "HB-RF-ETH@-", b.DeviceType())
}

func TestUDPStartStopAndData(t *testing.T) {
	peer := newUDPPeer(t)
	b, h := connectUDP(t, testUDPConfig(peer.port()))

	require.NoError(t, b.StartConnection(context.Background()))
	require.True(t, b.ReadyForTx())
	b.TxChars([]byte("hello"))

	require.Eventually(t, func() bool { return len(peer.received(OpData)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []byte("hello"), peer.received(OpData)[0].Payload)
	require.Eventually(t, func() bool { return h.txCount() == 1 }, waitFor, 5*time.Millisecond)

	peer.sendRaw(EncodeFrame(OpData, 9, []byte{0x01, 0xff, 0x02}))
	require.Eventually(t, func() bool { return len(h.bytes()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []byte{0x01, 0xff, 0x02}, h.bytes())

	b.StopConnection()
	assert.Len(t, peer.received(OpStart), 1)
	assert.Len(t, peer.received(OpStop), 1)
}

func TestUDPMalformedFramesAreCounted(t *testing.T) {
	peer := newUDPPeer(t)
	b, h := connectUDP(t, testUDPConfig(peer.port()))
	require.Eventually(t, func() bool { return len(peer.received(OpKeepAlive)) > 0 }, waitFor, 5*time.Millisecond)

	bad := EncodeFrame(OpData, 3, []byte{0x10})
	bad[2] ^= 0x01
	peer.sendRaw(bad)
	peer.sendRaw([]byte{7, 1})

	require.Eventually(t, func() bool { return b.ProtocolErrors() == 2 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.bytes())
}

func TestUDPLedForwarding(t *testing.T) {
	peer := newUDPPeer(t)
	b, _ := connectUDP(t, testUDPConfig(peer.port()))

	require.NoError(t, b.WriteLines(uart.LineRed.Mask()|uart.LineBlue.Mask(), uart.LineBlue.Mask()))
	require.NoError(t, b.WriteLines(uart.LineGreen.Mask(), uart.LineGreen.Mask()))

	require.Eventually(t, func() bool { return len(peer.received(OpSetLED)) == 2 }, waitFor, 5*time.Millisecond)
	leds := peer.received(OpSetLED)
	assert.Equal(t, []byte{0x04}, leds[0].Payload)
	assert.Equal(t, []byte{0x06}, leds[1].Payload)
}

func TestUDPResetRadioModule(t *testing.T) {
	peer := newUDPPeer(t)
	b, _ := connectUDP(t, testUDPConfig(peer.port()))

	require.NoError(t, b.ResetRadioModule(context.Background()))
	require.Eventually(t, func() bool { return len(peer.received(OpResetRadio)) == 1 }, waitFor, 5*time.Millisecond)
}

func TestUDPDeadTimeoutAndReconnect(t *testing.T) {
	peer := newUDPPeer(t)
	cfg := testUDPConfig(peer.port())
	cfg.DeadTimeout = 150 * time.Millisecond
	cfg.ReconnectInterval = 20 * time.Millisecond
	b, h := connectUDP(t, cfg)
	require.NoError(t, b.StartConnection(context.Background()))

	require.Eventually(t, func() bool {
		s := h.stateHistory()
		return len(s) >= 2 && !s[0] && s[1]
	}, waitFor, 10*time.Millisecond)

	assert.GreaterOrEqual(t, peer.handshakes(), 2)
	require.Eventually(t, func() bool { return len(peer.received(OpStart)) >= 2 }, waitFor, 10*time.Millisecond)
}

func TestUDPDeadTimeoutWithoutReconnect(t *testing.T) {
	peer := newUDPPeer(t)
	cfg := testUDPConfig(peer.port())
	cfg.DeadTimeout = 150 * time.Millisecond
	cfg.AutoReconnect = false
	b, h := connectUDP(t, cfg)

	require.Eventually(t, func() bool { return len(h.stateHistory()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []bool{false}, h.stateHistory())
	assert.False(t, b.ReadyForTx())
	assert.ErrorIs(t, b.StartConnection(context.Background()), uart.ErrDisconnected)
	assert.Equal(t, "HB-RF-ETH@-", b.DeviceType())
}
