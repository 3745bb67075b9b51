// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"raw-uart-service/internal/discovery"
	"raw-uart-service/internal/protocol"
)

// knownAdapter is a USB serial bridge carrying a radio module
type knownAdapter struct {
	VID, PID string
	Name     string
}

var knownAdapters = []knownAdapter{
	{VID: "0403", PID: "6f70", Name: "HB-RF-USB"},
}

// onboardPatterns match SoC UARTs a radio module is wired to directly.
var onboardPatterns = []string{"/dev/ttyAMA*", "/dev/ttyAML*", "/dev/ttyS*", "/dev/raw-uart*"}

// Scanner implements serial port device scanning
type Scanner struct {
	logger *zap.Logger
	config *Config
	list   func() ([]*enumerator.PortDetails, error)
}

// Config for serial scanner
type Config struct {
	ScanTimeout  time.Duration `json:"scan_timeout"`
	BaudRate     int           `json:"baud_rate"`
	PortPatterns []string      `json:"port_patterns"`
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{
			ScanTimeout:  5 * time.Second,
			BaudRate:     115200,
			PortPatterns: getDefaultPortPatterns(),
		}
	}

	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		config: config,
		list:   enumerator.GetDetailedPortsList,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan lists the serial ports matching the configured patterns
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	s.logger.Info("Starting serial port scan")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	var discovered []*discovery.DiscoveredDevice
	for _, port := range ports {
		if !s.matches(port.Name) {
			continue
		}
		discovered = append(discovered, s.toDiscovered(port))
	}

	s.logger.Info("Serial scan completed",
		zap.Int("ports_found", len(ports)),
		zap.Int("devices_found", len(discovered)),
	)
	return discovered, nil
}

func (s *Scanner) toDiscovered(port *enumerator.PortDetails) *discovery.DiscoveredDevice {
	d := &discovery.DiscoveredDevice{
		BackendType: protocol.TypeSerial,
		Options: map[string]interface{}{
			"port":      port.Name,
			"baud_rate": s.config.BaudRate,
		},
		Name:     port.Name,
		Location: port.Name,
	}

	if port.IsUSB {
		d.VendorID = strings.ToLower(port.VID)
		d.ProductID = strings.ToLower(port.PID)
		d.SerialNumber = port.SerialNumber
		d.Product = port.Product
		for _, a := range knownAdapters {
			if a.VID == d.VendorID && a.PID == d.ProductID {
				d.Name = fmt.Sprintf("%s@%s", a.Name, port.Name)
				d.Supported = true
				break
			}
		}
		return d
	}

	d.Supported = matchAny(onboardPatterns, port.Name)
	return d
}

func (s *Scanner) matches(name string) bool {
	if len(s.config.PortPatterns) == 0 {
		return true
	}
	return matchAny(s.config.PortPatterns, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// getDefaultPortPatterns returns platform-specific port patterns
func getDefaultPortPatterns() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM*"}
	case "darwin":
		return []string{"/dev/cu.usbserial*", "/dev/cu.SLAB_USBtoUART*"}
	default:
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyAMA*", "/dev/ttyAML*", "/dev/ttyS*", "/dev/raw-uart*"}
	}
}
