package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"pocketagent/internal/browser"
	"pocketagent/internal/bus"
	"pocketagent/internal/domain"
	"pocketagent/internal/metrics"
	"pocketagent/internal/replylog"
)

// Handler decides the replies for a new message.
type Handler interface {
	Handle(ctx context.Context, p domain.MessagePayload) ([]domain.OutboundReply, error)
}

// Deliverer sends a reply into the open chat and names the path it used.
type Deliverer interface {
	Deliver(ctx context.Context, reply domain.OutboundReply) (string, error)
}

// Typing signals that a reply is being prepared.
type Typing interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

// Recorder persists processing outcomes.
type Recorder interface {
	Record(ctx context.Context, e replylog.Entry) error
}

// LoginGate reports the current login state.
type LoginGate interface {
	State() browser.LoginState
}

// Scanner polls for unread chats and runs each new message through the
// pipeline. It owns navigation: only its goroutine opens chats.
type Scanner struct {
	session    *browser.ChatSession
	selectors  browser.Selectors
	gate       LoginGate
	extractor  *Extractor
	dedup      *DedupStore
	handler    Handler
	bridge     Deliverer
	typing     Typing
	outbox     *bus.Outbox
	recorder   Recorder
	events     *bus.EventBus
	interval   time.Duration
	inputReady time.Duration
	logger     *slog.Logger
}

// ScannerConfig holds configuration for the unread scanner. Typing, Outbox,
// Recorder and Events are optional.
type ScannerConfig struct {
	Session    *browser.ChatSession
	Selectors  browser.Selectors
	Gate       LoginGate
	Extractor  *Extractor
	Dedup      *DedupStore
	Handler    Handler
	Bridge     Deliverer
	Typing     Typing
	Outbox     *bus.Outbox
	Recorder   Recorder
	Events     *bus.EventBus
	Interval   time.Duration
	InputReady time.Duration
	Logger     *slog.Logger
}

func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.InputReady <= 0 {
		cfg.InputReady = 20 * time.Second
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewDedupStore(DefaultDedupCapacity)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = NewExtractor(ExtractorConfig{Page: cfg.Session.Page, Logger: cfg.Logger})
	}
	return &Scanner{
		session:    cfg.Session,
		selectors:  cfg.Selectors,
		gate:       cfg.Gate,
		extractor:  cfg.Extractor,
		dedup:      cfg.Dedup,
		handler:    cfg.Handler,
		bridge:     cfg.Bridge,
		typing:     cfg.Typing,
		outbox:     cfg.Outbox,
		recorder:   cfg.Recorder,
		events:     cfg.Events,
		interval:   cfg.Interval,
		inputReady: cfg.InputReady,
		logger:     cfg.Logger.With("component", "scanner"),
	}
}

// Run scans every interval while the session is connected, until ctx ends.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("scanner started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopped")
			return
		case <-ticker.C:
			if s.gate != nil && s.gate.State() != browser.StateConnected {
				continue
			}
			s.safeScan(ctx)
		}
	}
}

func (s *Scanner) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrors.Inc()
			s.logger.Error("scan panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.ScanOnce(ctx)
}

// ScanOnce performs one pass and returns the number of new messages handled.
func (s *Scanner) ScanOnce(ctx context.Context) int {
	metrics.ScansTotal.Inc()
	s.drainOutbox(ctx)

	page := s.session.Page
	if open, err := page.Exists(ctx, s.selectors.ChatHeader); err == nil && !open {
		if err := page.Click(ctx, s.selectors.ChatRow); err != nil {
			s.logger.Debug("no chat row to open", "err", err)
		}
	}

	candidates, err := page.UnreadChats(ctx, s.selectors)
	if err != nil {
		s.logger.Debug("unread lookup failed", "err", err)
	}
	// The open chat is re-checked every pass; a message arriving in a
	// focused chat raises no unread badge.
	candidates = append(candidates, browser.Candidate{})

	handled := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.processCandidate(ctx, c)
		if err != nil {
			metrics.HandlerErrors.Inc()
			s.logger.Warn("candidate failed", "chat", c.Name, "err", err)
			continue
		}
		if ok {
			handled++
		}
	}
	return handled
}

// processCandidate isolates one chat: errors and panics stop here.
func (s *Scanner) processCandidate(ctx context.Context, c browser.Candidate) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Debug("candidate panic stack", "stack", string(debug.Stack()))
		}
	}()

	page := s.session.Page
	if c.Selector != "" {
		if err := page.Click(ctx, c.Selector); err != nil {
			if err := page.ForceClick(ctx, c.Selector); err != nil {
				return false, fmt.Errorf("open chat: %w", err)
			}
		}
	}
	if err := page.WaitVisible(ctx, s.selectors.InputBox, s.inputReady); err != nil {
		return false, fmt.Errorf("input box not ready: %w", err)
	}

	sender, err := page.TextOf(ctx, s.selectors.HeaderTitle)
	if err != nil || sender == "" {
		sender = c.Name
	}
	s.session.SetOpenChat(sender)

	row, err := page.LastMessage(ctx, s.selectors)
	if errors.Is(err, browser.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last message: %w", err)
	}
	if row.Outgoing {
		return false, nil
	}

	payload := s.extractor.Extract(ctx, row)
	payload.Sender = sender
	metrics.MessagesObserved.Inc()

	if !s.dedup.IsNew(payload.IdentityToken) {
		metrics.MessagesDuplicate.Inc()
		return false, nil
	}
	metrics.DedupSize.Set(int64(s.dedup.Len()))
	s.logger.Info("new message", "chat", sender, "type", payload.MediaType, "token", truncate(payload.IdentityToken, 48))

	s.dispatch(ctx, sender, payload, "scan")
	return true, nil
}

// dispatch runs the handler and delivers its replies. Failures are logged,
// recorded and emitted, never returned.
func (s *Scanner) dispatch(ctx context.Context, chat string, payload domain.MessagePayload, source string) {
	start := time.Now()
	entry := replylog.Entry{
		Token:     payload.IdentityToken,
		Chat:      chat,
		Sender:    payload.Sender,
		MediaType: string(payload.MediaType),
		Source:    source,
	}

	if s.typing != nil {
		s.typing.Start(ctx)
	}
	replies, err := s.handler.Handle(ctx, payload)
	if s.typing != nil {
		s.typing.Stop(ctx)
	}
	metrics.KernelLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesHandled.Inc()

	if err != nil {
		metrics.HandlerErrors.Inc()
		s.logger.Error("handler failed", "chat", chat, "err", err)
		entry.Status = replylog.StatusHandlerFailed
		entry.Error = err.Error()
		s.events.Emit(bus.Event{Type: bus.EventHandlerFailed, Source: "scanner", Payload: map[string]any{"chat": chat, "error": err.Error()}})
		s.record(ctx, entry, start)
		return
	}

	entry.Status = replylog.StatusNoReply
	for _, r := range replies {
		if r.Empty() {
			continue
		}
		path, err := s.bridge.Deliver(ctx, r)
		removeTemporary(r, s.logger)
		if err != nil {
			s.logger.Error("delivery failed", "chat", chat, "err", err)
			entry.Status = replylog.StatusDeliveryFailed
			entry.Error = err.Error()
			s.events.Emit(bus.Event{Type: bus.EventDeliveryFailed, Source: "scanner", Payload: map[string]any{"chat": chat, "error": err.Error()}})
			continue
		}
		entry.Replies++
		entry.Path = path
		if entry.Status != replylog.StatusDeliveryFailed {
			entry.Status = replylog.StatusDelivered
		}
	}
	s.events.Emit(bus.Event{Type: bus.EventMessageHandled, Source: "scanner", Payload: map[string]any{
		"chat": chat, "token": payload.IdentityToken, "mediaType": string(payload.MediaType), "replies": entry.Replies,
	}})
	s.record(ctx, entry, start)
}

func (s *Scanner) record(ctx context.Context, e replylog.Entry, start time.Time) {
	if s.recorder == nil {
		return
	}
	e.Latency = time.Since(start)
	if err := s.recorder.Record(ctx, e); err != nil {
		s.logger.Warn("reply log write failed", "err", err)
	}
}

// drainOutbox delivers replies queued by the scheduler or CLI. Each one
// navigates to its chat first.
func (s *Scanner) drainOutbox(ctx context.Context) {
	if s.outbox == nil {
		return
	}
	for _, msg := range s.outbox.Drain() {
		start := time.Now()
		entry := replylog.Entry{Token: "outbox:" + msg.Source, Chat: msg.Chat, MediaType: string(domain.MediaText), Source: msg.Source}

		err := browser.OpenChatByName(ctx, s.session, s.selectors, msg.Chat, s.inputReady)
		if err == nil {
			entry.Path, err = s.bridge.Deliver(ctx, msg.Reply)
		}
		removeTemporary(msg.Reply, s.logger)
		if err != nil {
			s.logger.Error("outbox delivery failed", "chat", msg.Chat, "source", msg.Source, "err", err)
			entry.Status = replylog.StatusDeliveryFailed
			entry.Error = err.Error()
			s.events.Emit(bus.Event{Type: bus.EventDeliveryFailed, Source: "outbox", Payload: map[string]any{"chat": msg.Chat, "error": err.Error()}})
		} else {
			entry.Status = replylog.StatusDelivered
			entry.Replies = 1
			s.logger.Info("outbox reply delivered", "chat", msg.Chat, "source", msg.Source)
		}
		s.record(ctx, entry, start)
	}
}

func removeTemporary(r domain.OutboundReply, logger *slog.Logger) {
	if !r.Temporary || r.FilePath == "" {
		return
	}
	if err := os.Remove(r.FilePath); err != nil && !os.IsNotExist(err) {
		logger.Debug("remove temp file", "path", r.FilePath, "err", err)
	}
}
