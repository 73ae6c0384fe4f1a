package production

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventShiftChanged    = "shift_changed"
	EventMetricsUpdated  = "metrics_updated"
	EventStatusChanged   = "status_changed"
	EventSettingsChanged = "settings_changed"
	EventViewChanged     = "view_changed"
)

// Event is a state change published by State.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// EventHandler is a callback for events. Handlers run on the goroutine that
// changed the state and must not call back into State mutators.
type EventHandler func(Event)

type subscription struct {
	id uint64
	fn EventHandler
}

// EventBus delivers events to handlers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	byType map[string][]subscription
	all    []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		byType: make(map[string][]subscription),
		logger: logger.With("component", "events"),
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.byType[eventType] = append(eb.byType[eventType], subscription{id, handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.byType[eventType] = without(eb.byType[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.all = append(eb.all, subscription{id, handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.all = without(eb.all, id)
	}
}

// Emit calls the matching handlers synchronously. A panicking handler is
// recovered and logged; the rest still run.
func (eb *EventBus) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	eb.mu.RLock()
	subs := make([]subscription, 0, len(eb.byType[event.Type])+len(eb.all))
	subs = append(subs, eb.byType[event.Type]...)
	subs = append(subs, eb.all...)
	eb.mu.RUnlock()

	for _, s := range subs {
		eb.call(s.fn, event)
	}
}

func (eb *EventBus) call(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
