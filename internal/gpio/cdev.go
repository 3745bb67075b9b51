// internal/gpio/cdev.go

// Package gpio drives auxiliary control lines through the Linux GPIO
// character device.
package gpio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/zap"

	"raw-uart-service/internal/uart"
)

// Consumer is the label the kernel reports for lines held by the service.
const Consumer = "raw-uart-service"

// Config selects a gpiochip and the offsets of the lines wired to it.
type Config struct {
	Chip  string
	Lines map[uart.Line]int
}

// line is the subset of *gpiocdev.Line used by the driver.
type line interface {
	SetValue(value int) error
	Reconfigure(options ...gpiocdev.LineConfigOption) error
	Close() error
}

type requester func(chip string, offset int, options ...gpiocdev.LineReqOption) (line, error)

func requestLine(chip string, offset int, options ...gpiocdev.LineReqOption) (line, error) {
	return gpiocdev.RequestLine(chip, offset, options...)
}

// CdevDriver implements uart.LineDriver and uart.LineReleaser on top of
// gpiochip lines. Every configured line is requested as an output when
// the driver opens; ReleaseLine turns a line back into an input until
// the next write drives it again.
type CdevDriver struct {
	chip   string
	logger *zap.Logger

	mu       sync.Mutex
	lines    map[uart.Line]line
	released uart.LineMask
	mask     uart.LineMask
}

// Open requests every line of cfg. Lines start low except the reset
// lines, which start high.
func Open(cfg *Config, logger *zap.Logger) (*CdevDriver, error) {
	return open(cfg, requestLine, logger)
}

func open(cfg *Config, request requester, logger *zap.Logger) (*CdevDriver, error) {
	if cfg.Chip == "" {
		return nil, fmt.Errorf("gpio chip is required")
	}
	d := &CdevDriver{
		chip:   cfg.Chip,
		logger: logger.With(zap.String("component", "gpio"), zap.String("chip", cfg.Chip)),
		lines:  make(map[uart.Line]line, len(cfg.Lines)),
	}

	names := make([]uart.Line, 0, len(cfg.Lines))
	for l := range cfg.Lines {
		names = append(names, l)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, l := range names {
		if l.Mask()&uart.AllLines == 0 {
			d.Close()
			return nil, fmt.Errorf("unknown gpio line %d", l)
		}
		offset := cfg.Lines[l]
		h, err := request(cfg.Chip, offset,
			gpiocdev.WithConsumer(Consumer),
			gpiocdev.AsOutput(initialLevel(l)))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request %s line %s:%d: %w", l, cfg.Chip, offset, err)
		}
		d.lines[l] = h
		d.mask |= l.Mask()
		d.logger.Debug("Requested gpio line", zap.String("line", l.String()), zap.Int("offset", offset))
	}
	return d, nil
}

func initialLevel(l uart.Line) int {
	if l == uart.LineReset || l == uart.LineAltReset {
		return 1
	}
	return 0
}

// Lines implements uart.LineDriver.
func (d *CdevDriver) Lines() uart.LineMask {
	return d.mask
}

// WriteLines implements uart.LineDriver.
func (d *CdevDriver) WriteLines(mask, values uart.LineMask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for l, h := range d.lines {
		m := l.Mask()
		if mask&m == 0 {
			continue
		}
		v := 0
		if values&m != 0 {
			v = 1
		}
		if d.released&m != 0 {
			if err := h.Reconfigure(gpiocdev.AsOutput(v)); err != nil {
				return fmt.Errorf("drive %s: %w", l, err)
			}
			d.released &^= m
			continue
		}
		if err := h.SetValue(v); err != nil {
			return fmt.Errorf("set %s: %w", l, err)
		}
	}
	return nil
}

// ReleaseLine implements uart.LineReleaser.
func (d *CdevDriver) ReleaseLine(l uart.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.lines[l]
	if !ok {
		return fmt.Errorf("gpio %s: %w", l, uart.ErrUnsupported)
	}
	if err := h.Reconfigure(gpiocdev.AsInput); err != nil {
		return fmt.Errorf("release %s: %w", l, err)
	}
	d.released |= l.Mask()
	return nil
}

// Close releases every requested line.
func (d *CdevDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	for l, h := range d.lines {
		if err := h.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", l, err)
		}
		delete(d.lines, l)
	}
	d.mask = 0
	return first
}
