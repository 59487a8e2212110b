package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an in-process notification about pipeline activity.
type Event struct {
	Type      string         // one of the Event* constants
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe hub. Handlers run synchronously
// in registration order; a panicking handler is recovered and logged.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for eventType. Use "*" to receive every event.
// The returned ID is passed to Off to unsubscribe.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers event to its type's handlers and then to wildcard handlers.
// Emit on a nil bus is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// --- Well-known event types ---
const (
	EventLoginChanged    = "login.changed"    // payload: from, to
	EventMessageHandled  = "message.handled"  // payload: chat, token, mediaType, replies
	EventDeliveryFailed  = "delivery.failed"  // payload: chat, error
	EventHandlerFailed   = "handler.failed"   // payload: chat, error
	EventScheduledQueued = "scheduled.queued" // payload: job, chat
)
