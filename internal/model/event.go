// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeviceAdded        EventType = "DEVICE_ADDED"
	EventDeviceRemoved      EventType = "DEVICE_REMOVED"
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
	EventDeviceReset        EventType = "DEVICE_RESET"
	EventGpioChanged        EventType = "GPIO_CHANGED"
)

// EventTypeAll subscribes to every event type on the bus.
const EventTypeAll EventType = "*"

// Event is a bus message delivered to WebSocket subscribers
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DeviceEvent is a persisted entry of a device's history
type DeviceEvent struct {
	ID        uuid.UUID `json:"id"`
	Device    string    `json:"device"`
	EventType EventType `json:"event_type"`
	Connected bool      `json:"connected"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDeviceEvent creates a history entry stamped with the current time
func NewDeviceEvent(device string, eventType EventType, connected bool, detail string) *DeviceEvent {
	return &DeviceEvent{
		ID:        uuid.New(),
		Device:    device,
		EventType: eventType,
		Connected: connected,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// BusEvent converts the history entry into a bus message
func (e *DeviceEvent) BusEvent() Event {
	data := map[string]interface{}{
		"id":        e.ID.String(),
		"connected": e.Connected,
	}
	if e.Detail != "" {
		data["detail"] = e.Detail
	}
	return Event{
		Type:      e.EventType,
		Source:    e.Device,
		Data:      data,
		Timestamp: e.Timestamp,
	}
}
