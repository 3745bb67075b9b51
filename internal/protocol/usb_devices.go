// internal/protocol/usb_devices.go
package protocol

import "github.com/google/gousb"

// USBDeviceInfo describes a supported USB-tunneled radio adapter.
type USBDeviceInfo struct {
	Vendor  gousb.ID
	Product gousb.ID
	// VendorHash is the CRC32 of the manufacturer string, 0 for any.
	VendorHash uint32
	// EnforceVerification rejects parts 0x22 failing signature checks.
	EnforceVerification bool
	// Signed devices carry a signature verified at probe time.
	Signed bool
}

// KnownUSBDevices lists the adapters the usb backend accepts.
var KnownUSBDevices = []USBDeviceInfo{
	{Vendor: 0x10c4, Product: 0x8c07, VendorHash: 0x60d01cf9, Signed: true},
	{Vendor: 0x1b1f, Product: 0xc020},
	{Vendor: 0x10c4, Product: 0x8d81, EnforceVerification: true, Signed: true},
	{Vendor: 0x10c4, Product: 0x8d91, EnforceVerification: true, Signed: true},
}

// LookupUSBDevice returns the table entry for vid:pid.
func LookupUSBDevice(vid, pid gousb.ID) (USBDeviceInfo, bool) {
	for _, d := range KnownUSBDevices {
		if d.Vendor == vid && d.Product == pid {
			return d, true
		}
	}
	return USBDeviceInfo{}, false
}
