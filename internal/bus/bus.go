package bus

import (
	"log/slog"
	"sync"
	"time"

	"pocketagent/internal/domain"
)

const publishTimeout = 10 * time.Second

// Outbox queues chat-addressed replies produced outside the scan loop. The
// scanner owns navigation, so it drains the outbox at the start of each pass.
type Outbox struct {
	queue  chan domain.ChatReply
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// NewOutbox creates an Outbox with the given buffer size.
func NewOutbox(bufferSize int, logger *slog.Logger) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		queue:  make(chan domain.ChatReply, bufferSize),
		logger: logger.With("component", "outbox"),
	}
}

// Publish enqueues msg, blocking up to 10 seconds when the outbox is full.
// It reports whether the message was accepted.
func (b *Outbox) Publish(msg domain.ChatReply) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed outbox", "chat", msg.Chat)
		return false
	}

	select {
	case b.queue <- msg:
		return true
	default:
		b.logger.Warn("outbox full, waiting...", "chat", msg.Chat, "source", msg.Source)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.queue <- msg:
			b.logger.Info("reply queued after wait", "chat", msg.Chat)
			return true
		case <-timer.C:
			b.logger.Error("reply dropped: outbox full for 10s", "chat", msg.Chat, "source", msg.Source)
			return false
		}
	}
}

// Drain returns every queued reply without blocking.
func (b *Outbox) Drain() []domain.ChatReply {
	var out []domain.ChatReply
	for {
		select {
		case msg, ok := <-b.queue:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Len returns the number of queued replies.
func (b *Outbox) Len() int {
	return len(b.queue)
}

func (b *Outbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.queue)
	}
}
