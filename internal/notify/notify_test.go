package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"pocketagent/internal/bus"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		event bus.Event
		want  string
	}{
		{bus.Event{Type: bus.EventLoginChanged, Payload: map[string]any{"from": "connected", "to": "awaiting-scan"}}, "QR scan"},
		{bus.Event{Type: bus.EventLoginChanged, Payload: map[string]any{"from": "connected", "to": "disconnected"}}, "disconnected (was connected)"},
		{bus.Event{Type: bus.EventDeliveryFailed, Payload: map[string]any{"chat": "Ann", "error": "composer missing"}}, `"Ann" could not be delivered: composer missing`},
		{bus.Event{Type: bus.EventMessageHandled}, ""},
	}
	for _, tt := range tests {
		got := FormatEvent(tt.event)
		if tt.want == "" && got != "" {
			t.Errorf("%s: expected no alert, got %q", tt.event.Type, got)
		}
		if tt.want != "" && !strings.Contains(got, tt.want) {
			t.Errorf("%s: got %q, want it to contain %q", tt.event.Type, got, tt.want)
		}
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) Notify(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestSubscribe_ForwardsAlertsOnly(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	n := &recordingNotifier{}
	Subscribe(events, n, testLogger())

	events.Emit(bus.Event{Type: bus.EventLoginChanged, Payload: map[string]any{"from": "disconnected", "to": "connected"}})
	events.Emit(bus.Event{Type: bus.EventMessageHandled, Payload: map[string]any{"chat": "x"}})
	events.Emit(bus.Event{Type: bus.EventDeliveryFailed, Payload: map[string]any{"chat": "x", "error": "e"}})

	deadline := time.Now().Add(2 * time.Second)
	for n.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n.count() != 2 {
		t.Fatalf("expected 2 alerts, got %d", n.count())
	}
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.Notify(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(ctx context.Context, text string) error { return f.err }

func TestMulti_TriesEveryNotifier(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	boom := errors.New("boom")
	m := Multi{a, failingNotifier{err: boom}, b}

	err := m.Notify(context.Background(), "hello")
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("every notifier should be tried, got %d and %d", a.count(), b.count())
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected %q", got)
	}

	msg := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	got := splitMessage(msg, 10)
	if len(got) != 2 || got[0] != strings.Repeat("x", 8)+"\n" || got[1] != strings.Repeat("y", 8) {
		t.Fatalf("expected newline split, got %q", got)
	}

	got = splitMessage(strings.Repeat("z", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("expected hard split into 10/10/5, got %q", got)
	}
	if strings.Join(got, "") != strings.Repeat("z", 25) {
		t.Fatal("chunks must reassemble to the original")
	}
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	msg := "a" + strings.Repeat("é", 1500)
	got := splitMessage(msg, 2000)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	for i, c := range got {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if len(c) > 2000 {
			t.Fatalf("chunk %d is %d bytes", i, len(c))
		}
	}
	if strings.Join(got, "") != msg {
		t.Fatal("chunks must reassemble to the original")
	}
}
