// internal/protocol/host.go
package protocol

import (
	"sync/atomic"

	"raw-uart-service/internal/uart"
)

// hostRef holds the attached host. Backends may start goroutines before
// Attach; callbacks issued before that are dropped.
type hostRef struct {
	p atomic.Pointer[uart.Host]
}

func (r *hostRef) set(h uart.Host) { r.p.Store(&h) }

func (r *hostRef) get() uart.Host {
	if h := r.p.Load(); h != nil {
		return *h
	}
	return nil
}

func (r *hostRef) rx(flags uart.RxFlags, data []byte) {
	h := r.get()
	if h == nil {
		return
	}
	for _, b := range data {
		h.HandleRxChar(flags, b)
	}
	h.RxCompleted()
}

func (r *hostRef) txQueued() {
	if h := r.get(); h != nil {
		h.TxQueued()
	}
}

func (r *hostRef) state(connected bool) {
	if h := r.get(); h != nil {
		h.SetConnectionState(connected)
	}
}
