package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram sends alerts to admin chats through a bot and answers their
// /status and /ping commands.
type Telegram struct {
	admins []int64
	bot    *tgbotapi.BotAPI
	status func(ctx context.Context) string
	logger *slog.Logger
}

type TelegramConfig struct {
	Token    string
	AdminIDs []string // Telegram user/chat IDs as strings
	Endpoint string   // defaults to the public Bot API
	Client   *http.Client
	Status   func(ctx context.Context) string // answers /status; optional
	Logger   *slog.Logger
}

// NewTelegram connects the bot. It fails when the token is rejected or no
// admin ID parses.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}

	var admins []int64
	for _, s := range cfg.AdminIDs {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			admins = append(admins, id)
		}
	}
	if len(admins) == 0 {
		return nil, fmt.Errorf("telegram notifier: no valid admin IDs")
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger := cfg.Logger.With("component", "notify")
	logger.Info("telegram notifier connected", "username", bot.Self.UserName, "admins", len(admins))

	return &Telegram{
		admins: admins,
		bot:    bot,
		status: cfg.Status,
		logger: logger,
	}, nil
}

// Notify sends text to every admin. Errors for individual admins are joined.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	return eachTarget(t.admins, func(id int64) error {
		if err := t.sendMessage(ctx, id, text); err != nil {
			return fmt.Errorf("admin %d: %w", id, err)
		}
		return nil
	})
}

// Run polls the bot for admin commands until ctx ends.
func (t *Telegram) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			t.logger.Info("telegram polling stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if !t.isAdmin(update.Message.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", update.Message.From.ID, "username", update.Message.From.UserName)
		t.sendMessage(ctx, chatID, "⛔ Unauthorized.")
		return
	}
	if !update.Message.IsCommand() {
		return
	}

	switch update.Message.Command() {
	case "ping":
		t.sendMessage(ctx, chatID, "pong")
	case "status":
		text := "No status available."
		if t.status != nil {
			text = t.status(ctx)
		}
		t.sendMessage(ctx, chatID, text)
	default:
		t.sendMessage(ctx, chatID, "Commands: /status, /ping")
	}
}

func (t *Telegram) isAdmin(userID int64) bool {
	for _, id := range t.admins {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text at the Bot API length limit, preferring newlines.
func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk retries rate-limited sends with a growing delay.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		lastErr = err

		errStr := err.Error()
		if !strings.Contains(errStr, "Too Many Requests") && !strings.Contains(errStr, "429") {
			break
		}
		retryAfter := time.Duration(attempt+1) * 3 * time.Second
		t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
	t.logger.Error("telegram send failed", "chat_id", chatID, "err", lastErr)
	return fmt.Errorf("telegram send: %w", lastErr)
}
