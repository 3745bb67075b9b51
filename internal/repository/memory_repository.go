// internal/repository/memory_repository.go
package repository

import (
	"context"
	"sync"
	"time"

	"raw-uart-service/internal/model"
)

// memoryEventRepository keeps a bounded per-device history in memory. It
// serves when no database is configured.
type memoryEventRepository struct {
	mu       sync.RWMutex
	events   map[string][]*model.DeviceEvent
	capacity int
}

// NewMemoryEventRepository creates an in-memory repository keeping at most
// capacity events per device.
func NewMemoryEventRepository(capacity int) EventRepository {
	if capacity <= 0 {
		capacity = DefaultListLimit
	}
	return &memoryEventRepository{
		events:   make(map[string][]*model.DeviceEvent),
		capacity: capacity,
	}
}

func (r *memoryEventRepository) Create(ctx context.Context, event *model.DeviceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.events[event.Device], event)
	if len(list) > r.capacity {
		list = list[len(list)-r.capacity:]
	}
	r.events[event.Device] = list
	return nil
}

func (r *memoryEventRepository) ListByDevice(ctx context.Context, device string, limit int) ([]*model.DeviceEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.events[device]
	limit = min(normalizeLimit(limit), len(list))
	out := make([]*model.DeviceEvent, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (r *memoryEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for device, list := range r.events {
		kept := list[:0]
		for _, e := range list {
			if e.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		r.events[device] = kept
	}
	return deleted, nil
}
