// internal/service/discovery_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"raw-uart-service/internal/config"
	"raw-uart-service/internal/discovery"
	"raw-uart-service/internal/discovery/serial"
	"raw-uart-service/internal/discovery/usb"
	"raw-uart-service/internal/protocol"
	"raw-uart-service/internal/utils"
)

// ScanRequest selects the scanners to run
type ScanRequest struct {
	ScanType string `json:"scan_type" form:"type"`
	Timeout  string `json:"timeout" form:"timeout"`
}

// AutoSetupRequest adds the supported transports found by a scan
type AutoSetupRequest struct {
	ScanType   string `json:"scan_type"`
	NamePrefix string `json:"name_prefix"`
}

// AutoSetupResult reports which discovered transports were added
type AutoSetupResult struct {
	TotalScanned int      `json:"total_scanned"`
	Added        []string `json:"added"`
	Skipped      []string `json:"skipped"`
	Errors       []string `json:"errors"`
}

// DiscoveryService finds transports on the host and can register them
type DiscoveryService struct {
	devices        *DeviceService
	scannerManager *discovery.ScannerManager
	config         *config.Config
	logger         *utils.ServiceLogger
}

// NewDiscoveryService creates a new discovery service. Without explicit
// scanners the ones enabled in configuration are registered.
func NewDiscoveryService(
	config *config.Config,
	devices *DeviceService,
	logger *zap.Logger,
	scanners ...discovery.DeviceScanner,
) *DiscoveryService {
	ds := &DiscoveryService{
		devices:        devices,
		scannerManager: discovery.NewScannerManager(logger),
		config:         config,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}

	if len(scanners) == 0 {
		scanners = ds.defaultScanners()
	}
	for _, s := range scanners {
		if s.IsAvailable() {
			ds.scannerManager.RegisterScanner(s)
		}
	}

	ds.logger.Info("Discovery scanners initialized",
		zap.Strings("available_scanners", ds.scannerManager.GetAvailableScanners()),
	)
	return ds
}

func (ds *DiscoveryService) defaultScanners() []discovery.DeviceScanner {
	var scanners []discovery.DeviceScanner
	if ds.config.Discovery.USB {
		scanners = append(scanners, usb.NewScanner(ds.logger.Logger, nil))
	}
	if ds.config.Discovery.Serial {
		scanners = append(scanners, serial.NewScanner(ds.logger.Logger, nil))
	}
	return scanners
}

// Scanners returns the registered scanner types
func (ds *DiscoveryService) Scanners() []string {
	return ds.scannerManager.GetAvailableScanners()
}

// ScanDevices runs the requested scanners
func (ds *DiscoveryService) ScanDevices(ctx context.Context, req *ScanRequest) ([]*discovery.DiscoveredDevice, error) {
	scanType := req.ScanType
	if scanType == "" {
		scanType = "all"
	}
	ds.logger.Info("Starting device scan", zap.String("type", scanType))

	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("invalid timeout: %q", req.Timeout)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var devices []*discovery.DiscoveredDevice
	var err error
	if scanType == "all" {
		devices, err = ds.scannerManager.ScanAll(ctx)
	} else {
		devices, err = ds.scannerManager.ScanByType(ctx, scanType)
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if devices == nil {
		devices = []*discovery.DiscoveredDevice{}
	}

	ds.logger.Info("Device scan completed",
		zap.Int("devices_found", len(devices)),
		zap.String("scan_type", scanType),
	)
	return devices, nil
}

// AutoSetupDevices adds every supported transport that no managed device
// uses yet
func (ds *DiscoveryService) AutoSetupDevices(ctx context.Context, req *AutoSetupRequest) (*AutoSetupResult, error) {
	devices, err := ds.ScanDevices(ctx, &ScanRequest{ScanType: req.ScanType})
	if err != nil {
		return nil, fmt.Errorf("device scan failed: %w", err)
	}

	prefix := req.NamePrefix
	if prefix == "" {
		prefix = "auto"
	}

	used := make(map[string]bool)
	names := make(map[string]bool)
	for _, dc := range ds.devices.DeviceConfigs() {
		used[transportKey(dc.Type, dc.Options)] = true
		names[dc.Name] = true
	}

	result := &AutoSetupResult{
		TotalScanned: len(devices),
		Added:        []string{},
		Skipped:      []string{},
		Errors:       []string{},
	}

	for _, d := range devices {
		key := transportKey(d.BackendType, d.Options)
		if !d.Supported || used[key] {
			result.Skipped = append(result.Skipped, d.Name)
			continue
		}

		name := nextName(prefix, d.BackendType, names)
		dc := config.DeviceConfig{Name: name, Type: d.BackendType, Options: d.Options}
		if _, err := ds.devices.AddDevice(ctx, dc); err != nil {
			ds.logger.Warn("Auto-setup failed", zap.String("transport", d.Name), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", d.Name, err))
			continue
		}
		used[key] = true
		names[name] = true
		result.Added = append(result.Added, name)
	}

	ds.logger.Info("Auto-setup completed",
		zap.Int("total_scanned", result.TotalScanned),
		zap.Int("added", len(result.Added)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// transportKey identifies the physical transport behind backend options
func transportKey(backendType string, options map[string]interface{}) string {
	str := func(key string) string { return strings.ToLower(fmt.Sprint(options[key])) }
	switch backendType {
	case protocol.TypeSerial:
		return "serial:" + str("port")
	case protocol.TypeUSB:
		return fmt.Sprintf("usb:%s:%s:%s",
			strings.TrimPrefix(str("vendor_id"), "0x"), strings.TrimPrefix(str("product_id"), "0x"), str("serial_number"))
	case protocol.TypeUDP:
		return "udp:" + str("host")
	default:
		return backendType + ":" + fmt.Sprint(options)
	}
}

func nextName(prefix, backendType string, taken map[string]bool) string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-%s-%d", prefix, backendType, i)
		if !taken[name] {
			return name
		}
	}
}
