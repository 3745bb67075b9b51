package usb

import (
	"context"
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScanReportsKnownAdapters(t *testing.T) {
	s := NewScanner(zap.NewNop(), nil)
	var filter func(vid, pid gousb.ID) bool
	s.enumerate = func(ctx context.Context, f func(vid, pid gousb.ID) bool) ([]adapter, error) {
		filter = f
		return []adapter{{
			Vendor:       0x10c4,
			Product:      0x8c07,
			Manufacturer: "Silicon Labs",
			ProductName:  "HB-RF-USB-2",
			SerialNumber: "0042",
			Location:     "usb-1-1.3",
		}}, nil
	}

	devices, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, "usb", d.BackendType)
	assert.Equal(t, "HB-RF-USB-2@usb-1-1.3", d.Name)
	assert.True(t, d.Supported)
	assert.Equal(t, "10c4", d.VendorID)
	assert.Equal(t, map[string]interface{}{
		"vendor_id":     "0x10c4",
		"product_id":    "0x8c07",
		"serial_number": "0042",
	}, d.Options)

	require.NotNil(t, filter)
	assert.True(t, filter(0x10c4, 0x8d91))
	assert.False(t, filter(0x10c4, 0xea60))
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "usb-2-1.4.2", location(&gousb.DeviceDesc{Bus: 2, Path: []int{1, 4, 2}}))
}
