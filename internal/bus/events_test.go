package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got []Event
	eb.On(EventLoginChanged, func(e Event) { got = append(got, e) })

	eb.Emit(Event{Type: EventLoginChanged, Payload: map[string]any{"to": "connected"}})

	if len(got) != 1 {
		t.Fatalf("expected 1 event received, got %d", len(got))
	}
	if got[0].Payload["to"] != "connected" {
		t.Errorf("unexpected payload: %v", got[0].Payload)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	count := 0
	eb.On("*", func(e Event) { count++ })

	eb.Emit(Event{Type: EventDeliveryFailed})
	eb.Emit(Event{Type: EventMessageHandled})

	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_OffAfterReRegister(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	first, second := 0, 0
	id := eb.On("test.event", func(e Event) { first++ })
	eb.Off("test.event", id)
	eb.On("test.event", func(e Event) { second++ })

	eb.Emit(Event{Type: "test.event"})

	if first != 0 || second != 1 {
		t.Errorf("expected only the new handler to run, got first=%d second=%d", first, second)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	ran := false
	eb.On("panic", func(e Event) { panic("test panic") })
	eb.On("panic", func(e Event) { ran = true })

	eb.Emit(Event{Type: "panic"})

	if !ran {
		t.Error("handler after a panicking handler should still run")
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: "anything"})
}

func TestEventBus_KeepsGivenTimestamp(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var got time.Time
	eb.On("t", func(e Event) { got = e.Timestamp })
	eb.Emit(Event{Type: "t", Timestamp: stamp})

	if !got.Equal(stamp) {
		t.Errorf("expected %v, got %v", stamp, got)
	}
}
