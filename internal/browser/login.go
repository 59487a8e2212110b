package browser

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LoginState classifies what the web client is showing.
type LoginState int32

const (
	StateDisconnected LoginState = iota
	StateAwaitingScan
	StateConnected
)

func (s LoginState) String() string {
	switch s {
	case StateAwaitingScan:
		return "awaiting-scan"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Monitor periodically samples the page for login markers.
type Monitor struct {
	session   *ChatSession
	selectors Selectors
	interval  time.Duration
	logger    *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	observers []func(prev, next LoginState)
}

// MonitorConfig holds configuration for the login monitor.
type MonitorConfig struct {
	Session   *ChatSession
	Selectors Selectors
	Interval  time.Duration
	Logger    *slog.Logger
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		session:   cfg.Session,
		selectors: cfg.Selectors,
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "login"),
	}
}

// OnChange registers fn to be called after every state transition.
func (m *Monitor) OnChange(fn func(prev, next LoginState)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State returns the last observed state. Safe for concurrent use.
func (m *Monitor) State() LoginState {
	return LoginState(m.state.Load())
}

// Sample classifies the page without recording the result. DOM errors
// degrade to StateDisconnected.
func (m *Monitor) Sample(ctx context.Context) LoginState {
	page := m.session.Page
	qr, err := page.Exists(ctx, nonEmpty(m.selectors.QRCode)...)
	if err != nil {
		m.logger.Debug("qr probe failed", "err", err)
		return StateDisconnected
	}
	chat, err := page.Exists(ctx, m.selectors.ChatMarkers()...)
	if err != nil {
		m.logger.Debug("chat marker probe failed", "err", err)
		return StateDisconnected
	}
	if chat && !qr {
		return StateConnected
	}
	return StateAwaitingScan
}

// Observe samples once and records a transition when the state changed.
func (m *Monitor) Observe(ctx context.Context) LoginState {
	next := m.Sample(ctx)
	prev := LoginState(m.state.Swap(int32(next)))
	m.session.setLoggedIn(next == StateConnected)
	if prev == next {
		return next
	}

	switch next {
	case StateConnected:
		m.logger.Info("session connected", "previous", prev)
	case StateAwaitingScan:
		m.logger.Warn("QR scan required", "previous", prev)
	default:
		m.logger.Warn("session disconnected", "previous", prev)
	}

	m.mu.Lock()
	observers := append([]func(prev, next LoginState){}, m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(prev, next)
	}
	return next
}

// Run samples every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Observe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(ctx)
		}
	}
}

// WaitFor samples until the state equals want or ctx ends.
func (m *Monitor) WaitFor(ctx context.Context, want LoginState) error {
	if m.Observe(ctx) == want {
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.Observe(ctx) == want {
				return nil
			}
		}
	}
}
