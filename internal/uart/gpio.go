// internal/uart/gpio.go
package uart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Line identifies an auxiliary control line by its role.
type Line uint8

const (
	LineRed Line = iota
	LineGreen
	LineBlue
	LineReset
	LineAltReset
)

// LineMask is a bit set of lines, bit n corresponding to Line(n).
type LineMask uint8

const (
	// LEDLines covers the three status LED lines.
	LEDLines = LineMask(1<<LineRed | 1<<LineGreen | 1<<LineBlue)
	// AllLines covers every defined line.
	AllLines = LEDLines | LineMask(1<<LineReset|1<<LineAltReset)
)

// ResetHoldTime is the low and settle time of a GPIO driven reset.
const ResetHoldTime = 50 * time.Millisecond

var lineNames = [...]string{"red", "green", "blue", "reset", "alt_reset"}

// Mask returns the single-bit mask of l.
func (l Line) Mask() LineMask { return 1 << l }

func (l Line) String() string {
	if int(l) < len(lineNames) {
		return lineNames[l]
	}
	return fmt.Sprintf("line%d", uint8(l))
}

// ParseLine resolves a line name as used in configuration and the HTTP API.
func ParseLine(name string) (Line, error) {
	for i, n := range lineNames {
		if n == name {
			return Line(i), nil
		}
	}
	return 0, fmt.Errorf("unknown gpio line %q", name)
}

// LineDriver drives physical or forwarded control lines.
type LineDriver interface {
	// Lines reports which lines the driver can drive.
	Lines() LineMask
	// WriteLines drives every line in mask to the matching bit in values.
	WriteLines(mask, values LineMask) error
}

// LineReleaser is implemented by drivers able to return a line to input.
type LineReleaser interface {
	ReleaseLine(line Line) error
}

// GpioController holds the requested state of a device's auxiliary lines
// and applies changes to its driver from a background task. Get returns
// the last requested value, not a hardware readback.
type GpioController struct {
	mu      sync.Mutex
	values  LineMask
	pending LineMask
	gen     uint64
	applied uint64

	driver   LineDriver
	lines    LineMask
	driverMu sync.Mutex

	kick    chan struct{}
	flushed *notifier
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

// NewGpioController creates a controller for driver, which may be nil when
// the device has no auxiliary lines. initial is the requested start state
// and is pushed to the driver right away.
func NewGpioController(driver LineDriver, initial LineMask, logger *zap.Logger) *GpioController {
	if logger == nil {
		logger = zap.NewNop()
	}
	gc := &GpioController{
		driver:  driver,
		kick:    make(chan struct{}, 1),
		flushed: newNotifier(),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "gpio")),
	}
	if driver == nil {
		return gc
	}

	gc.lines = driver.Lines()
	gc.values = initial & gc.lines
	gc.pending = gc.lines &^ (LineReset.Mask() | LineAltReset.Mask())
	if gc.pending != 0 {
		gc.gen = 1
		gc.kick <- struct{}{}
	}

	go gc.run()
	return gc
}

// Lines returns the set of lines available on this device.
func (gc *GpioController) Lines() LineMask {
	return gc.lines
}

// Has reports whether line is available.
func (gc *GpioController) Has(line Line) bool {
	return gc.lines&line.Mask() != 0
}

// Get returns the last requested value of line.
func (gc *GpioController) Get(line Line) (bool, error) {
	if !gc.Has(line) {
		return false, fmt.Errorf("gpio %s: %w", line, ErrUnsupported)
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.values&line.Mask() != 0, nil
}

// Set requests line to be driven to value. The driver is updated
// asynchronously.
func (gc *GpioController) Set(line Line, value bool) error {
	var values LineMask
	if value {
		values = line.Mask()
	}
	return gc.SetMultiple(line.Mask(), values)
}

// GetMultiple returns the requested values of the lines in mask.
func (gc *GpioController) GetMultiple(mask LineMask) (LineMask, error) {
	if mask&^gc.lines != 0 {
		return 0, fmt.Errorf("gpio mask %#04x: %w", uint8(mask), ErrUnsupported)
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.values & mask, nil
}

// SetMultiple atomically updates every line in mask to its bit in values.
func (gc *GpioController) SetMultiple(mask, values LineMask) error {
	if mask == 0 {
		return nil
	}
	if mask&^gc.lines != 0 {
		return fmt.Errorf("gpio mask %#04x: %w", uint8(mask), ErrUnsupported)
	}

	gc.mu.Lock()
	gc.values = gc.values&^mask | values&mask
	gc.pending |= mask
	gc.gen++
	gc.mu.Unlock()

	select {
	case gc.kick <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until every change requested so far has been handed to
// the driver.
func (gc *GpioController) Flush(ctx context.Context) error {
	if gc.driver == nil {
		return nil
	}
	gc.mu.Lock()
	target := gc.gen
	gc.mu.Unlock()

	for {
		ch := gc.flushed.wait()
		gc.mu.Lock()
		applied := gc.applied
		gc.mu.Unlock()
		if applied >= target {
			return nil
		}
		select {
		case <-ch:
		case <-gc.done:
			return ErrInterrupted
		case <-ctx.Done():
			return fmt.Errorf("gpio flush: %w: %w", ErrInterrupted, ctx.Err())
		}
	}
}

// PulseReset drives line low for ResetHoldTime, releases it, waits
// ResetHoldTime again and returns the line to input where supported.
func (gc *GpioController) PulseReset(ctx context.Context, line Line) error {
	if !gc.Has(line) {
		return fmt.Errorf("gpio %s: %w", line, ErrUnsupported)
	}

	gc.driverMu.Lock()
	defer gc.driverMu.Unlock()

	mask := line.Mask()
	if err := gc.driver.WriteLines(mask, 0); err != nil {
		return fmt.Errorf("drive %s low: %w", line, err)
	}
	gc.store(mask, 0)

	if err := sleepContext(ctx, ResetHoldTime); err != nil {
		gc.driver.WriteLines(mask, mask)
		gc.store(mask, mask)
		return err
	}

	if err := gc.driver.WriteLines(mask, mask); err != nil {
		return fmt.Errorf("release %s: %w", line, err)
	}
	gc.store(mask, mask)

	if err := sleepContext(ctx, ResetHoldTime); err != nil {
		return err
	}

	if r, ok := gc.driver.(LineReleaser); ok {
		if err := r.ReleaseLine(line); err != nil {
			return fmt.Errorf("float %s: %w", line, err)
		}
	}
	return nil
}

// Close stops the background task.
func (gc *GpioController) Close() {
	gc.once.Do(func() { close(gc.done) })
}

func (gc *GpioController) store(mask, values LineMask) {
	gc.mu.Lock()
	gc.values = gc.values&^mask | values&mask
	gc.mu.Unlock()
}

func (gc *GpioController) run() {
	for {
		select {
		case <-gc.done:
			return
		case <-gc.kick:
		}

		gc.mu.Lock()
		mask, values, gen := gc.pending, gc.values, gc.gen
		gc.pending = 0
		gc.mu.Unlock()

		if mask != 0 {
			gc.driverMu.Lock()
			err := gc.driver.WriteLines(mask, values&mask)
			gc.driverMu.Unlock()
			if err != nil {
				gc.logger.Warn("Failed to apply gpio lines",
					zap.Uint8("mask", uint8(mask)),
					zap.Uint8("values", uint8(values&mask)),
					zap.Error(err),
				)
			}
		}

		gc.mu.Lock()
		if gen > gc.applied {
			gc.applied = gen
		}
		gc.mu.Unlock()
		gc.flushed.broadcast()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}
