// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"raw-uart-service/internal/discovery"
	"raw-uart-service/internal/protocol"
)

// adapter is the identity of one enumerated USB device
type adapter struct {
	Vendor       gousb.ID
	Product      gousb.ID
	Manufacturer string
	ProductName  string
	SerialNumber string
	Location     string
}

type enumerator func(ctx context.Context, filter func(vid, pid gousb.ID) bool) ([]adapter, error)

// Scanner finds USB-tunneled radio adapters
type Scanner struct {
	logger    *zap.Logger
	config    *Config
	enumerate enumerator
}

// Config for USB scanner
type Config struct {
	ScanTimeout time.Duration `json:"scan_timeout"`
	EnableDebug bool          `json:"enable_debug"`
}

// NewScanner creates a new USB scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{ScanTimeout: 10 * time.Second}
	}

	s := &Scanner{
		logger: logger.With(zap.String("scanner", "usb")),
		config: config,
	}
	s.enumerate = s.enumerateGousb
	return s
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable reports whether libusb can be used on this system
func (s *Scanner) IsAvailable() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		return true
	default:
		s.logger.Warn("USB scanning support unknown for OS", zap.String("os", runtime.GOOS))
		return false
	}
}

// Scan lists the known adapters currently attached
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	startTime := time.Now()
	s.logger.Info("Starting USB device scan")

	if s.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ScanTimeout)
		defer cancel()
	}

	adapters, err := s.enumerate(ctx, func(vid, pid gousb.ID) bool {
		_, ok := protocol.LookupUSBDevice(vid, pid)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("device enumeration failed: %w", err)
	}

	discovered := make([]*discovery.DiscoveredDevice, 0, len(adapters))
	for _, a := range adapters {
		discovered = append(discovered, toDiscovered(a))
	}

	s.logger.Info("USB scan completed",
		zap.Int("devices_found", len(discovered)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)
	return discovered, nil
}

func toDiscovered(a adapter) *discovery.DiscoveredDevice {
	options := map[string]interface{}{
		"vendor_id":  "0x" + a.Vendor.String(),
		"product_id": "0x" + a.Product.String(),
	}
	if a.SerialNumber != "" {
		options["serial_number"] = a.SerialNumber
	}

	name := a.ProductName
	if name == "" {
		name = "HB-RF-USB-2"
	}

	_, supported := protocol.LookupUSBDevice(a.Vendor, a.Product)
	return &discovery.DiscoveredDevice{
		BackendType:  protocol.TypeUSB,
		Options:      options,
		Name:         fmt.Sprintf("%s@%s", name, a.Location),
		Manufacturer: a.Manufacturer,
		Product:      a.ProductName,
		SerialNumber: a.SerialNumber,
		Location:     a.Location,
		VendorID:     a.Vendor.String(),
		ProductID:    a.Product.String(),
		Supported:    supported,
	}
}

func (s *Scanner) enumerateGousb(ctx context.Context, filter func(vid, pid gousb.ID) bool) ([]adapter, error) {
	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if s.config.EnableDebug {
		usbCtx.Debug(3)
	}

	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return filter(desc.Vendor, desc.Product)
	})
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if err != nil {
		s.logger.Warn("Some USB devices could not be opened", zap.Error(err))
	}

	adapters := make([]adapter, 0, len(devices))
	for _, d := range devices {
		if ctx.Err() != nil {
			return adapters, ctx.Err()
		}

		a := adapter{
			Vendor:   d.Desc.Vendor,
			Product:  d.Desc.Product,
			Location: location(d.Desc),
		}
		a.Manufacturer, _ = d.Manufacturer()
		a.ProductName, _ = d.Product()
		a.SerialNumber, _ = d.SerialNumber()

		s.logger.Debug("Found USB adapter",
			zap.String("vendor_id", a.Vendor.String()),
			zap.String("product_id", a.Product.String()),
			zap.String("location", a.Location),
		)
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// location formats the bus position the way the usb backend reports it
func location(desc *gousb.DeviceDesc) string {
	path := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		path[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("usb-%d-%s", desc.Bus, strings.Join(path, "."))
}
