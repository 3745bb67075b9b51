// internal/uart/errors.go
package uart

import "errors"

// Sentinel errors returned by devices, connections and the registry.
// Callers match them with errors.Is; layers above wrap them with context.
var (
	// ErrResourceExhausted is returned when the open-connection limit or
	// the registry slot pool is exhausted.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnavailable is returned by Open while the transport is disconnected.
	ErrUnavailable = errors.New("device unavailable")

	// ErrBusy is returned by Reset when more connections are open than allowed.
	ErrBusy = errors.New("device busy")

	// ErrUnsupported is returned when a backend lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrTimeout is returned when a backend handshake or connect times out.
	ErrTimeout = errors.New("timeout")

	// ErrProtocol marks a malformed unit received on a tunneled transport.
	ErrProtocol = errors.New("protocol error")

	// ErrDisconnected is returned by reads and writes while the transport is lost.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrInterrupted is returned when a blocking call is cancelled by
	// context cancellation, connection close or device removal.
	ErrInterrupted = errors.New("interrupted")

	// ErrMessageTooLarge is returned when a write exceeds the transmit buffer.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrWouldBlock is returned by non-blocking reads when no data is buffered.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrNoDevice is returned for operations on a removed device.
	ErrNoDevice = errors.New("no such device")
)
