// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DeviceScanner finds candidate transports for raw uart devices
type DeviceScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredDevice is a transport found on the host. Options can be used
// as-is in a device configuration of type BackendType.
type DiscoveredDevice struct {
	BackendType  string                 `json:"backend_type"`
	Options      map[string]interface{} `json:"options"`
	Name         string                 `json:"name"`
	Manufacturer string                 `json:"manufacturer,omitempty"`
	Product      string                 `json:"product,omitempty"`
	SerialNumber string                 `json:"serial_number,omitempty"`
	Location     string                 `json:"location,omitempty"`
	VendorID     string                 `json:"vendor_id,omitempty"`
	ProductID    string                 `json:"product_id,omitempty"`
	// Supported is set for adapters the matching backend is known to drive.
	Supported bool `json:"supported"`
}

// ScannerManager runs the registered scanners
type ScannerManager struct {
	mu       sync.RWMutex
	scanners map[string]DeviceScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger.With(zap.String("component", "discovery")),
	}
}

// RegisterScanner registers a device scanner
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	scannerType := scanner.GetScannerType()

	sm.mu.Lock()
	sm.scanners[scannerType] = scanner
	sm.mu.Unlock()

	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner. A failing scanner is logged and
// skipped.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredDevice, error) {
	var allDevices []*DiscoveredDevice

	for _, scannerType := range sm.types() {
		scanner := sm.scanner(scannerType)
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return allDevices, ctx.Err()
			}
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allDevices = append(allDevices, devices...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	return allDevices, nil
}

// ScanByType scans specific scanner type
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredDevice, error) {
	scanner := sm.scanner(scannerType)
	if scanner == nil {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}

	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	return scanner.Scan(ctx)
}

// GetAvailableScanners returns the available scanner types in name order
func (sm *ScannerManager) GetAvailableScanners() []string {
	available := []string{}
	for _, scannerType := range sm.types() {
		if sm.scanner(scannerType).IsAvailable() {
			available = append(available, scannerType)
		}
	}
	return available
}

func (sm *ScannerManager) scanner(scannerType string) DeviceScanner {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.scanners[scannerType]
}

func (sm *ScannerManager) types() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	types := make([]string, 0, len(sm.scanners))
	for t := range sm.scanners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
