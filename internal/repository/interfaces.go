// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"raw-uart-service/internal/model"
)

// EventRepository defines device history data access operations
type EventRepository interface {
	Create(ctx context.Context, event *model.DeviceEvent) error
	// ListByDevice returns the newest events first.
	ListByDevice(ctx context.Context, device string, limit int) ([]*model.DeviceEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultListLimit caps history queries without an explicit limit.
const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
