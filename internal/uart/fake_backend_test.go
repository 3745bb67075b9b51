package uart

import (
	"bytes"
	"context"
	"sync"
)

// fakeBackend records every call. With manual set, each TxChars makes the
// backend busy until complete() is called, emulating a transmit interrupt.
type fakeBackend struct {
	mu       sync.Mutex
	host     Host
	manual   bool
	ready    bool
	chunk    int
	bulk     int
	chunks   [][]byte
	starts   int
	stops    int
	inits    int
	stopTxs  int
	startErr error
}

func newFakeBackend(manual bool) *fakeBackend {
	return &fakeBackend{manual: manual, ready: true, chunk: 10, bulk: 10}
}

func (f *fakeBackend) Attach(h Host) { f.host = h }

func (f *fakeBackend) StartConnection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeBackend) StopConnection() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeBackend) InitTx() {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
}

func (f *fakeBackend) ReadyForTx() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeBackend) TxChars(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, bytes.Clone(chunk))
	if f.manual {
		f.ready = false
	}
}

func (f *fakeBackend) StopTx() {
	f.mu.Lock()
	f.stopTxs++
	f.mu.Unlock()
}

func (f *fakeBackend) TxChunkSize() int { return f.chunk }
func (f *fakeBackend) TxBulkSize() int  { return f.bulk }

// complete finishes the chunk in flight and runs the drain step.
func (f *fakeBackend) complete() {
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	f.host.TxQueued()
}

func (f *fakeBackend) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeBackend) sent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Join(f.chunks, nil)
}

func (f *fakeBackend) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeBackend) push(data []byte, flags RxFlags) {
	for _, b := range data {
		f.host.HandleRxChar(flags, b)
	}
	f.host.RxCompleted()
}

type resettingBackend struct {
	*fakeBackend
	resets int
}

func (r *resettingBackend) ResetRadioModule(ctx context.Context) error {
	r.resets++
	return nil
}

type typedBackend struct {
	*fakeBackend
	typ string
}

func (t *typedBackend) DeviceType() string { return t.typ }

type lineWrite struct {
	mask, values LineMask
}

type fakeLines struct {
	mu       sync.Mutex
	lines    LineMask
	writes   []lineWrite
	released []Line
}

func (f *fakeLines) Lines() LineMask { return f.lines }

func (f *fakeLines) WriteLines(mask, values LineMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, lineWrite{mask, values})
	return nil
}

func (f *fakeLines) ReleaseLine(line Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, line)
	return nil
}

func (f *fakeLines) history() ([]lineWrite, []Line) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lineWrite(nil), f.writes...), append([]Line(nil), f.released...)
}
