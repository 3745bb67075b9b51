// internal/uart/registry.go
package uart

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxDevices is the default number of registry slots.
const DefaultMaxDevices = 5

const maxSlots = 64

// ErrDeviceExists is returned when a device name is registered twice.
var ErrDeviceExists = errors.New("device already registered")

// Registry allocates devices to a bounded pool of slots.
type Registry struct {
	mu     sync.RWMutex
	used   uint64
	slots  []*Device
	logger *zap.Logger
}

// NewRegistry creates a registry with size slots (at most 64).
func NewRegistry(size int, logger *zap.Logger) *Registry {
	if size <= 0 {
		size = DefaultMaxDevices
	}
	if size > maxSlots {
		size = maxSlots
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		slots:  make([]*Device, size),
		logger: logger.With(zap.String("component", "registry")),
	}
}

// Add places d in the lowest free slot and returns the slot number.
func (r *Registry) Add(d *Device) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.slots {
		if existing != nil && existing.name == d.name {
			return -1, fmt.Errorf("%s: %w", d.name, ErrDeviceExists)
		}
	}

	free := ^r.used
	if len(r.slots) < maxSlots {
		free &= 1<<uint(len(r.slots)) - 1
	}
	if free == 0 {
		return -1, fmt.Errorf("all %d device slots in use: %w", len(r.slots), ErrResourceExhausted)
	}

	slot := bits.TrailingZeros64(free)
	r.used |= 1 << uint(slot)
	r.slots[slot] = d

	d.mu.Lock()
	d.slot = slot
	d.mu.Unlock()

	r.logger.Info("Device registered",
		zap.String("device", d.name),
		zap.Int("slot", slot),
		zap.String("device_type", d.DeviceType()),
	)
	return slot, nil
}

// Remove tears down the device in slot and frees the slot.
func (r *Registry) Remove(slot int) error {
	r.mu.Lock()
	if slot < 0 || slot >= len(r.slots) || r.used&(1<<uint(slot)) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("slot %d: %w", slot, ErrNoDevice)
	}
	d := r.slots[slot]
	r.slots[slot] = nil
	r.used &^= 1 << uint(slot)
	r.mu.Unlock()

	d.Remove()
	d.mu.Lock()
	d.slot = -1
	d.mu.Unlock()

	r.logger.Info("Device unregistered", zap.String("device", d.name), zap.Int("slot", slot))
	return nil
}

// Get returns the device in slot.
func (r *Registry) Get(slot int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot < 0 || slot >= len(r.slots) {
		return nil, false
	}
	d := r.slots[slot]
	return d, d != nil
}

// Lookup returns the device registered under name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.slots {
		if d != nil && d.name == name {
			return d, true
		}
	}
	return nil, false
}

// List returns the registered devices in slot order.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Device, 0, bits.OnesCount64(r.used))
	for _, d := range r.slots {
		if d != nil {
			list = append(list, d)
		}
	}
	return list
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Close removes every registered device.
func (r *Registry) Close() {
	for _, d := range r.List() {
		if slot := d.Slot(); slot >= 0 {
			r.Remove(slot)
		}
	}
}
