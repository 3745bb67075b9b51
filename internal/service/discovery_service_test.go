package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-uart-service/internal/discovery"
)

type staticScanner struct {
	devices []*discovery.DiscoveredDevice
}

func (s *staticScanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	return s.devices, nil
}

func (s *staticScanner) GetScannerType() string { return "static" }
func (s *staticScanner) IsAvailable() bool      { return true }

func TestScanDevices(t *testing.T) {
	ds, _, _ := newTestService(t, testConfig())
	scanner := &staticScanner{devices: []*discovery.DiscoveredDevice{{Name: "loop", BackendType: "loopback"}}}
	disc := NewDiscoveryService(ds.config, ds, zap.NewNop(), scanner)

	assert.Equal(t, []string{"static"}, disc.Scanners())

	devices, err := disc.ScanDevices(t.Context(), &ScanRequest{Timeout: "1s"})
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = disc.ScanDevices(t.Context(), &ScanRequest{ScanType: "usb"})
	assert.Error(t, err)
	_, err = disc.ScanDevices(t.Context(), &ScanRequest{Timeout: "soon"})
	assert.Error(t, err)
}

func TestAutoSetupAddsUnusedSupportedTransports(t *testing.T) {
	ds, _, _ := newTestService(t, testConfig())
	_, err := ds.AddDevice(t.Context(), loopbackDevice("existing"))
	require.NoError(t, err)

	scanner := &staticScanner{devices: []*discovery.DiscoveredDevice{
		{Name: "same", BackendType: "loopback", Options: map[string]interface{}{"chunk_size": 8}, Supported: true},
		{Name: "new", BackendType: "loopback", Options: map[string]interface{}{"chunk_size": 16}, Supported: true},
		{Name: "unknown", BackendType: "serial", Options: map[string]interface{}{"port": "/dev/ttyUSB9"}},
	}}
	disc := NewDiscoveryService(ds.config, ds, zap.NewNop(), scanner)

	result, err := disc.AutoSetupDevices(t.Context(), &AutoSetupRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalScanned)
	assert.Equal(t, []string{"auto-loopback-0"}, result.Added)
	assert.Equal(t, []string{"same", "unknown"}, result.Skipped)
	assert.Empty(t, result.Errors)

	_, err = ds.Device("auto-loopback-0")
	assert.NoError(t, err)
}

func TestTransportKey(t *testing.T) {
	assert.Equal(t,
		transportKey("usb", map[string]interface{}{"vendor_id": "0x10C4", "product_id": "8c07"}),
		transportKey("usb", map[string]interface{}{"vendor_id": "10c4", "product_id": "0x8C07"}),
	)
	assert.NotEqual(t,
		transportKey("serial", map[string]interface{}{"port": "/dev/ttyUSB0"}),
		transportKey("serial", map[string]interface{}{"port": "/dev/ttyUSB1"}),
	)
}
