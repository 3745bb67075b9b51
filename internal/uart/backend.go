// internal/uart/backend.go
package uart

import "context"

// RxFlags carries line-status conditions reported with a received byte.
type RxFlags uint8

const (
	RxBreak RxFlags = 1 << iota
	RxParity
	RxFrame
	RxOverrun
)

// Host is the set of callbacks a backend uses to report activity to the
// device it is attached to. All methods are safe to call from backend
// goroutines; none of them may be called while the backend holds a lock
// that TxChars or ReadyForTx also take.
type Host interface {
	// HandleRxChar delivers one received byte with its status flags.
	HandleRxChar(flags RxFlags, b byte)
	// RxCompleted signals the end of a batch of HandleRxChar calls.
	RxCompleted()
	// TxQueued signals that the backend can accept more transmit data.
	TxQueued()
	// SetConnectionState reports transport loss or recovery.
	SetConnectionState(connected bool)
}

// Backend is implemented by every transport. StartConnection and
// StopConnection bracket one active period and are never called twice in
// a row. ReadyForTx and TxChars are called with the device's tx lock held
// and must not block; TxChars must copy the chunk before returning.
type Backend interface {
	Attach(host Host)
	StartConnection(ctx context.Context) error
	StopConnection()

	InitTx()
	ReadyForTx() bool
	TxChars(chunk []byte)
	StopTx()

	TxChunkSize() int
	TxBulkSize() int
}

// DeviceTyper is an optional capability returning a human-readable identity.
type DeviceTyper interface {
	DeviceType() string
}

// RadioResetter is an optional capability performing a transport-specific
// hard reset of the attached radio module.
type RadioResetter interface {
	ResetRadioModule(ctx context.Context) error
}

// GpioCapable is an optional capability exposing auxiliary control lines.
type GpioCapable interface {
	LineDriver
}

// Closer is an optional capability releasing backend resources when the
// device is removed.
type Closer interface {
	Close() error
}
