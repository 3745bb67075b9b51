// internal/handler/event_bus.go
package handler

import (
	"sync"

	"go.uber.org/zap"

	"raw-uart-service/internal/model"
)

// EventBus manages event distribution
type EventBus struct {
	subscribers map[model.EventType]map[chan model.Event]struct{}
	events      chan model.Event
	done        chan struct{}
	stopOnce    sync.Once
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[model.EventType]map[chan model.Event]struct{}),
		events:      make(chan model.Event, 1000),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Start distributes published events until Stop is called
func (eb *EventBus) Start() {
	for {
		select {
		case <-eb.done:
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// Stop ends distribution and closes every subscriber channel
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.done)

		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		for eventType, subs := range eb.subscribers {
			for ch := range subs {
				close(ch)
			}
			delete(eb.subscribers, eventType)
		}
	})
}

// Publish publishes an event
func (eb *EventBus) Publish(event model.Event) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Subscribe subscribes to events of a specific type; model.EventTypeAll
// receives everything. The returned function cancels the subscription.
func (eb *EventBus) Subscribe(eventType model.EventType) (<-chan model.Event, func()) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.Event, 100)
	select {
	case <-eb.done:
		close(subscriber)
		return subscriber, func() {}
	default:
	}

	if eb.subscribers[eventType] == nil {
		eb.subscribers[eventType] = make(map[chan model.Event]struct{})
	}
	eb.subscribers[eventType][subscriber] = struct{}{}

	return subscriber, func() {
		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		if _, ok := eb.subscribers[eventType][subscriber]; ok {
			delete(eb.subscribers[eventType], subscriber)
			close(subscriber)
		}
	}
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.Event) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, eventType := range []model.EventType{event.Type, model.EventTypeAll} {
		for subscriber := range eb.subscribers[eventType] {
			select {
			case subscriber <- event:
			default:
				// Subscriber is slow, skip
			}
		}
	}
}
