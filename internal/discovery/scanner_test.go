package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeScanner struct {
	kind      string
	available bool
	devices   []*DiscoveredDevice
	err       error
	scans     int
}

func (f *fakeScanner) Scan(ctx context.Context) ([]*DiscoveredDevice, error) {
	f.scans++
	return f.devices, f.err
}

func (f *fakeScanner) GetScannerType() string { return f.kind }
func (f *fakeScanner) IsAvailable() bool      { return f.available }

func TestScanAllSkipsUnavailableAndFailing(t *testing.T) {
	usb := &fakeScanner{kind: "usb", available: true, devices: []*DiscoveredDevice{{Name: "a"}}}
	serial := &fakeScanner{kind: "serial", available: true, err: errors.New("permission denied")}
	off := &fakeScanner{kind: "udp", available: false, devices: []*DiscoveredDevice{{Name: "b"}}}

	sm := NewScannerManager(zap.NewNop())
	for _, s := range []*fakeScanner{usb, serial, off} {
		sm.RegisterScanner(s)
	}

	devices, err := sm.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "a", devices[0].Name)
	assert.Zero(t, off.scans)
	assert.Equal(t, []string{"serial", "usb"}, sm.GetAvailableScanners())
}

func TestScanByType(t *testing.T) {
	sm := NewScannerManager(zap.NewNop())
	sm.RegisterScanner(&fakeScanner{kind: "usb", available: true, devices: []*DiscoveredDevice{{Name: "a"}}})
	sm.RegisterScanner(&fakeScanner{kind: "udp"})

	devices, err := sm.ScanByType(context.Background(), "usb")
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = sm.ScanByType(context.Background(), "udp")
	assert.ErrorContains(t, err, "not available")
	_, err = sm.ScanByType(context.Background(), "tcp")
	assert.ErrorContains(t, err, "not found")
}
