// internal/protocol/usb_transport.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"raw-uart-service/internal/uart"
)

// usbTransport is the USB I/O used by the usb backend.
type usbTransport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ReadBulk(ctx context.Context, p []byte) (int, error)
	WriteBulk(ctx context.Context, p []byte) (int, error)
	Manufacturer() string
	Product() string
	Serial() string
	// Location is "usb-<bus>-<path>".
	Location() string
	VendorProduct() (gousb.ID, gousb.ID)
	Close() error
}

// usbOpener locates and opens an adapter.
type usbOpener func(config *USBConfig, logger *zap.Logger) (usbTransport, error)

type gousbTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	strs   [3]string
	vid    gousb.ID
	pid    gousb.ID
	loc    string
	config *USBConfig
}

// openGousb finds the configured adapter, or the first known adapter when
// no vendor/product is configured.
func openGousb(config *USBConfig, logger *zap.Logger) (usbTransport, error) {
	ctx := gousb.NewContext()

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if config.VendorID != 0 || config.ProductID != 0 {
			return desc.Vendor == config.VendorID && desc.Product == config.ProductID
		}
		_, ok := LookupUSBDevice(desc.Vendor, desc.Product)
		return ok
	})
	if err != nil && len(devices) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	var dev *gousb.Device
	for _, d := range devices {
		if dev != nil {
			d.Close()
			continue
		}
		if config.SerialNumber != "" {
			if s, _ := d.SerialNumber(); s != config.SerialNumber {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("USB adapter not found (VID: %04X, PID: %04X): %w", uint16(config.VendorID), uint16(config.ProductID), uart.ErrNoDevice)
	}

	dev.ControlTimeout = usbControlTimeout
	t := &gousbTransport{ctx: ctx, dev: dev, vid: dev.Desc.Vendor, pid: dev.Desc.Product, config: config}
	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}

	t.strs[0], _ = dev.Manufacturer()
	t.strs[1], _ = dev.Product()
	t.strs[2], _ = dev.SerialNumber()

	path := make([]string, len(dev.Desc.Path))
	for i, p := range dev.Desc.Path {
		path[i] = strconv.Itoa(p)
	}
	t.loc = fmt.Sprintf("usb-%d-%s", dev.Desc.Bus, strings.Join(path, "."))

	logger.Info("Opened USB adapter",
		zap.String("product", t.strs[1]),
		zap.String("serial", t.strs[2]),
		zap.String("location", t.loc),
	)
	return t, nil
}

func (t *gousbTransport) claim() error {
	if err := t.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("failed to enable kernel driver auto detach: %w", err)
	}
	intf, done, err := t.dev.DefaultInterface()
	if err != nil {
		return fmt.Errorf("failed to claim interface: %w", err)
	}
	t.intf, t.done = intf, done

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			t.in, err = intf.InEndpoint(ep.Number)
		case gousb.EndpointDirectionOut:
			t.out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			return fmt.Errorf("failed to open endpoint %d: %w", ep.Number, err)
		}
	}
	if t.in == nil || t.out == nil {
		return fmt.Errorf("adapter lacks bulk endpoints: %w", uart.ErrUnsupported)
	}
	return nil
}

func (t *gousbTransport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := t.dev.Control(rType, request, val, idx, data)
	return n, mapUSBError(err)
}

func (t *gousbTransport) ReadBulk(ctx context.Context, p []byte) (int, error) {
	n, err := t.in.ReadContext(ctx, p)
	return n, mapUSBError(err)
}

func (t *gousbTransport) WriteBulk(ctx context.Context, p []byte) (int, error) {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}
	n, err := t.out.WriteContext(ctx, p)
	return n, mapUSBError(err)
}

func (t *gousbTransport) Manufacturer() string { return t.strs[0] }
func (t *gousbTransport) Product() string      { return t.strs[1] }
func (t *gousbTransport) Serial() string       { return t.strs[2] }
func (t *gousbTransport) Location() string     { return t.loc }

func (t *gousbTransport) VendorProduct() (gousb.ID, gousb.ID) { return t.vid, t.pid }

func (t *gousbTransport) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	var err error
	if t.dev != nil {
		err = t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return err
}

// mapUSBError folds device loss into uart.ErrDisconnected.
func mapUSBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorNoDevice) {
		return fmt.Errorf("%w: %w", uart.ErrDisconnected, err)
	}
	return err
}

// usbControlTimeout bounds control transfers issued by the gousb adapter.
const usbControlTimeout = time.Second
