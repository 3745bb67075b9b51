// internal/uart/arbitrator.go
package uart

import (
	"sync"
	"sync/atomic"
)

// arbitrator decides which connection may transmit and drains the
// sender's buffer into the backend.
//
// A request is granted when there is no current sender or when its
// priority is strictly greater than the current sender's; a preempted
// sender is suspended with its write index intact. When a sender's buffer
// is exhausted ownership goes to the most recently suspended sender first,
// then to the highest-priority waiting request (FIFO among equals).
type arbitrator struct {
	mu        sync.Mutex
	current   *Connection
	suspended []*Connection
	waiting   []*Connection

	backend Backend
	writeq  *notifier
	txBytes *atomic.Uint64
}

func newArbitrator(backend Backend, txBytes *atomic.Uint64) *arbitrator {
	return &arbitrator{
		backend: backend,
		writeq:  newNotifier(),
		txBytes: txBytes,
	}
}

// submit loads p into c's transmit buffer and requests ownership for c.
// It reports whether c became the current sender.
func (a *arbitrator) submit(c *Connection, p []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := copy(c.txBuf, p)
	c.txIndex, c.txLen = 0, n

	switch {
	case a.current == nil:
		a.current = c
		a.backend.InitTx()
		a.drainLocked()
		return true
	case c.Priority() > a.current.Priority():
		a.suspended = append(a.suspended, a.current)
		a.current = c
		a.drainLocked()
		a.writeq.broadcast()
		return true
	default:
		a.waiting = append(a.waiting, c)
		return false
	}
}

// progress returns the number of bytes of c's buffer handed to the
// backend and whether the buffer is exhausted.
func (a *arbitrator) progress(c *Connection) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return c.txIndex, c.txIndex >= c.txLen
}

// cancel withdraws c from arbitration and returns the bytes already sent
// and whether the buffer was exhausted before the withdrawal.
func (a *arbitrator) cancel(c *Connection) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sent := c.txIndex
	if sent >= c.txLen {
		return sent, true
	}
	switch {
	case a.current == c:
		a.backend.StopTx()
		a.current = nil
		a.handoffLocked()
		a.drainLocked()
	default:
		a.suspended = removeConn(a.suspended, c)
		a.waiting = removeConn(a.waiting, c)
	}
	c.txLen = c.txIndex
	a.writeq.broadcast()
	return sent, false
}

// txQueued runs the drain step from the backend completion callback.
func (a *arbitrator) txQueued() {
	a.mu.Lock()
	a.drainLocked()
	a.mu.Unlock()
}

// drainLocked transmits chunks of the current sender while the backend is
// ready, passing ownership on every time a buffer is exhausted.
func (a *arbitrator) drainLocked() {
	for a.current != nil {
		c := a.current
		for c.txIndex < c.txLen && a.backend.ReadyForTx() {
			n := a.chunkSize(c.txLen - c.txIndex)
			a.backend.TxChars(c.txBuf[c.txIndex : c.txIndex+n])
			c.txIndex += n
			a.txBytes.Add(uint64(n))
		}
		if c.txIndex < c.txLen {
			return
		}

		a.backend.StopTx()
		a.current = nil
		a.handoffLocked()
		a.writeq.broadcast()
	}
}

// handoffLocked picks the next sender after the current one released.
func (a *arbitrator) handoffLocked() {
	if n := len(a.suspended); n > 0 {
		a.current = a.suspended[n-1]
		a.suspended = a.suspended[:n-1]
		a.backend.InitTx()
		return
	}
	if len(a.waiting) == 0 {
		return
	}

	best := 0
	for i, c := range a.waiting[1:] {
		if c.Priority() > a.waiting[best].Priority() {
			best = i + 1
		}
	}
	a.current = a.waiting[best]
	a.waiting = append(a.waiting[:best], a.waiting[best+1:]...)
	a.backend.InitTx()
}

func (a *arbitrator) chunkSize(remaining int) int {
	n := remaining
	if cs := a.backend.TxChunkSize(); cs > 0 && cs < n {
		n = cs
	}
	if bs := a.backend.TxBulkSize(); bs > 0 && bs < n {
		n = bs
	}
	return n
}

// sender returns the current sender, or nil.
func (a *arbitrator) sender() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// canPreempt reports whether a new request from c would be granted now.
func (a *arbitrator) canPreempt(c *Connection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current == nil || a.current.Priority() < c.Priority()
}

func (a *arbitrator) queueLengths() (suspended, waiting int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.suspended), len(a.waiting)
}

func removeConn(list []*Connection, c *Connection) []*Connection {
	for i, x := range list {
		if x == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
