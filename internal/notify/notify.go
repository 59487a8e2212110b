// Package notify alerts the operator about events the WhatsApp side cannot
// report itself, such as a lost login or replies that could not be sent.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pocketagent/internal/bus"
)

const notifyTimeout = 30 * time.Second

// Notifier delivers an operator alert.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards alerts. It is used when notifications are disabled.
type Nop struct{}

func (Nop) Notify(ctx context.Context, text string) error { return nil }

// Multi fans an alert out to several notifiers. Every notifier is tried;
// failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	return eachTarget(m, func(n Notifier) error { return n.Notify(ctx, text) })
}

// Subscribe forwards login transitions and dispatch or delivery failures.
// Sends run in their own goroutine so emitters are never blocked.
func Subscribe(events *bus.EventBus, n Notifier, logger *slog.Logger) {
	forward := func(e bus.Event) {
		text := FormatEvent(e)
		if text == "" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.Notify(ctx, text); err != nil {
				logger.Warn("operator notification failed", "event", e.Type, "err", err)
			}
		}()
	}
	events.On(bus.EventLoginChanged, forward)
	events.On(bus.EventDeliveryFailed, forward)
	events.On(bus.EventHandlerFailed, forward)
}

// FormatEvent renders an event as an operator alert. Events that need no
// alert render as "".
func FormatEvent(e bus.Event) string {
	str := func(k string) string {
		v, _ := e.Payload[k].(string)
		return v
	}
	switch e.Type {
	case bus.EventLoginChanged:
		switch str("to") {
		case "awaiting-scan":
			return "🔐 WhatsApp needs a QR scan. Open the browser profile and link the device."
		case "connected":
			return "✅ WhatsApp connected."
		case "disconnected":
			return fmt.Sprintf("⚠️ WhatsApp disconnected (was %s).", str("from"))
		}
	case bus.EventDeliveryFailed:
		return fmt.Sprintf("❌ Reply to %q could not be delivered: %s", str("chat"), str("error"))
	case bus.EventHandlerFailed:
		return fmt.Sprintf("⚠️ Message from %q could not be handled: %s", str("chat"), str("error"))
	}
	return ""
}

// eachTarget calls send for every target and joins the failures.
func eachTarget[T any](targets []T, send func(T) error) error {
	var errs []error
	for _, t := range targets {
		if err := send(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// splitMessage splits a message into chunks of at most maxLen bytes,
// splitting on newlines when possible and never inside a UTF-8 sequence.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
