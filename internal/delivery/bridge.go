// Package delivery sends replies into the chat that is currently open.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"pocketagent/internal/domain"
	"pocketagent/internal/metrics"
)

// ErrNotReady is returned by a sender that cannot be used right now.
var ErrNotReady = errors.New("sender not ready")

// Sender delivers into the currently open chat.
type Sender interface {
	Name() string
	SendText(ctx context.Context, text string) error
	SendFile(ctx context.Context, reply domain.OutboundReply) error
}

// Bridge tries its senders in order until one succeeds. It never retries a
// sender; the caller decides whether a failed delivery is retried.
type Bridge struct {
	senders []Sender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// BridgeConfig holds configuration for the delivery bridge.
type BridgeConfig struct {
	Senders     []Sender      // in priority order
	MinInterval time.Duration // minimum spacing between deliveries; 0 disables pacing
	Logger      *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Bridge{
		senders: cfg.Senders,
		limiter: rate.NewLimiter(limit, 1),
		logger:  cfg.Logger.With("component", "bridge"),
	}
}

// Deliver sends reply's file (with caption) and then its text. It returns
// the name of the sender that delivered the last part.
func (b *Bridge) Deliver(ctx context.Context, reply domain.OutboundReply) (string, error) {
	if reply.Empty() {
		return "", nil
	}
	start := time.Now()
	defer func() { metrics.DeliveryLatency.Observe(time.Since(start).Seconds()) }()

	var path string
	if reply.FilePath != "" {
		p, err := b.send(ctx, "file", func(s Sender) error { return s.SendFile(ctx, reply) })
		if err != nil {
			return "", err
		}
		path = p
	}
	if reply.Text != "" {
		p, err := b.send(ctx, "text", func(s Sender) error { return s.SendText(ctx, reply.Text) })
		if err != nil {
			return path, err
		}
		path = p
	}
	return path, nil
}

func (b *Bridge) send(ctx context.Context, kind string, fn func(Sender) error) (string, error) {
	if len(b.senders) == 0 {
		return "", fmt.Errorf("deliver %s: no senders configured", kind)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("deliver %s: %w", kind, err)
	}

	var lastErr error
	for _, s := range b.senders {
		err := fn(s)
		if err == nil {
			metrics.Delivered(s.Name()).Inc()
			b.logger.Debug("delivered", "kind", kind, "path", s.Name())
			return s.Name(), nil
		}
		if errors.Is(err, ErrNotReady) {
			b.logger.Debug("sender not ready, falling back", "path", s.Name())
		} else {
			b.logger.Warn("sender failed, falling back", "path", s.Name(), "kind", kind, "err", err)
		}
		lastErr = fmt.Errorf("%s: %w", s.Name(), err)
	}
	metrics.DeliveryFailures.Inc()
	return "", fmt.Errorf("deliver %s: %w", kind, lastErr)
}
