package delivery

import (
	"context"
	"log/slog"
)

// Typing shows the composing indicator while a reply is being prepared.
// It only acts when the scripted client is already loaded and never fails.
type Typing struct {
	scripted *ScriptedSender
	enabled  bool
	logger   *slog.Logger
}

func NewTyping(scripted *ScriptedSender, enabled bool, logger *slog.Logger) *Typing {
	if logger == nil {
		logger = slog.Default()
	}
	return &Typing{scripted: scripted, enabled: enabled, logger: logger.With("component", "typing")}
}

func (t *Typing) Start(ctx context.Context) { t.set(ctx, true) }
func (t *Typing) Stop(ctx context.Context)  { t.set(ctx, false) }

func (t *Typing) set(ctx context.Context, composing bool) {
	if t == nil || !t.enabled || t.scripted == nil {
		return
	}
	if !t.scripted.Ready(ctx) {
		return
	}
	if err := t.scripted.SetTyping(ctx, composing); err != nil {
		t.logger.Debug("typing indicator failed", "composing", composing, "err", err)
	}
}
