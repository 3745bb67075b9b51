// internal/repository/event_repository.go
package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"raw-uart-service/internal/database"
	"raw-uart-service/internal/model"
)

// eventRepository implements EventRepository on PostgreSQL
type eventRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewEventRepository creates a new PostgreSQL event repository
func NewEventRepository(db *database.DB, logger *zap.Logger) EventRepository {
	return &eventRepository{
		db:     db,
		logger: logger.With(zap.String("component", "event_repository")),
	}
}

// Create stores a device event
func (r *eventRepository) Create(ctx context.Context, event *model.DeviceEvent) error {
	query := `
		INSERT INTO device_events (id, device, event_type, connected, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.Device, event.EventType, event.Connected, event.Detail, event.Timestamp,
	)
	if err != nil {
		r.logger.Error("Failed to store device event", zap.Error(err), zap.String("device", event.Device))
		return fmt.Errorf("failed to store device event: %w", err)
	}
	return nil
}

// ListByDevice retrieves the newest events of a device
func (r *eventRepository) ListByDevice(ctx context.Context, device string, limit int) ([]*model.DeviceEvent, error) {
	query := `
		SELECT id, device, event_type, connected, detail, created_at
		FROM device_events
		WHERE device = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, device, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list device events: %w", err)
	}
	defer rows.Close()

	events := []*model.DeviceEvent{}
	for rows.Next() {
		event := &model.DeviceEvent{}
		if err := rows.Scan(
			&event.ID, &event.Device, &event.EventType,
			&event.Connected, &event.Detail, &event.Timestamp,
		); err != nil {
			r.logger.Error("Failed to scan device event", zap.Error(err))
			continue
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device events: %w", err)
	}
	return events, nil
}

// DeleteOlderThan removes events recorded before cutoff
func (r *eventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old device events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted device events: %w", err)
	}

	r.logger.Info("Old device events deleted", zap.Int64("count", deleted))
	return deleted, nil
}
