package protocol

import (
	"sync"
	"time"

	"raw-uart-service/internal/uart"
)

const waitFor = 2 * time.Second

type rxByte struct {
	flags uart.RxFlags
	b     byte
}

// recordingHost captures every callback a backend issues.
type recordingHost struct {
	mu        sync.Mutex
	rx        []rxByte
	completed int
	txQueued  int
	states    []bool
	onTx      func()
}

func (h *recordingHost) HandleRxChar(flags uart.RxFlags, b byte) {
	h.mu.Lock()
	h.rx = append(h.rx, rxByte{flags, b})
	h.mu.Unlock()
}

func (h *recordingHost) RxCompleted() {
	h.mu.Lock()
	h.completed++
	h.mu.Unlock()
}

func (h *recordingHost) TxQueued() {
	h.mu.Lock()
	h.txQueued++
	fn := h.onTx
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *recordingHost) SetConnectionState(connected bool) {
	h.mu.Lock()
	h.states = append(h.states, connected)
	h.mu.Unlock()
}

func (h *recordingHost) bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.rx))
	for i, r := range h.rx {
		out[i] = r.b
	}
	return out
}

func (h *recordingHost) received() []rxByte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]rxByte(nil), h.rx...)
}

func (h *recordingHost) stateHistory() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.states...)
}

func (h *recordingHost) txCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.txQueued
}
