package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sent struct {
	chatID string
	text   string
}

// fakeBotAPI serves the Bot API methods the notifier uses.
type fakeBotAPI struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pa","username":"pa_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		r.ParseForm()
		f.mu.Lock()
		f.sent = append(f.sent, sent{chatID: r.FormValue("chat_id"), text: r.FormValue("text")})
		f.mu.Unlock()
		io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)
	default:
		io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, status func(context.Context) string) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	tg, err := NewTelegram(TelegramConfig{
		Token:    "123:abc",
		AdminIDs: []string{"42", " 77 ", "not-a-number"},
		Endpoint: srv.URL + "/bot%s/%s",
		Client:   srv.Client(),
		Status:   status,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	return tg
}

func TestTelegram_NotifySendsToEveryAdmin(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api, nil)

	if err := tg.Notify(context.Background(), "QR needed"); err != nil {
		t.Fatal(err)
	}
	msgs := api.messages()
	if len(msgs) != 2 || msgs[0].chatID != "42" || msgs[1].chatID != "77" || msgs[0].text != "QR needed" {
		t.Fatalf("unexpected sends %+v", msgs)
	}
}

func TestTelegram_LongMessageIsChunked(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api, nil)

	long := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	if err := tg.sendMessage(context.Background(), 42, long); err != nil {
		t.Fatal(err)
	}
	msgs := api.messages()
	if len(msgs) != 2 || len(strings.TrimSuffix(msgs[0].text, "\n")) != 3000 {
		t.Fatalf("expected split at the newline, got %d chunks", len(msgs))
	}
}

func TestNewTelegram_RequiresAdmins(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{Token: "x", AdminIDs: []string{"abc"}, Logger: testLogger()}); err == nil {
		t.Fatal("expected error without valid admin IDs")
	}
}

func TestTelegram_HandleUpdate(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api, func(ctx context.Context) string { return "login: connected" })

	command := func(from int64, text string) tgbotapi.Update {
		return tgbotapi.Update{Message: &tgbotapi.Message{
			From:     &tgbotapi.User{ID: from},
			Chat:     &tgbotapi.Chat{ID: from},
			Text:     text,
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(strings.Fields(text)[0])}},
		}}
	}

	tg.handleUpdate(context.Background(), command(42, "/status"))
	tg.handleUpdate(context.Background(), command(42, "/ping"))
	tg.handleUpdate(context.Background(), command(99, "/status"))

	msgs := api.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 replies, got %+v", msgs)
	}
	if msgs[0].text != "login: connected" || msgs[1].text != "pong" {
		t.Fatalf("unexpected admin replies %+v", msgs[:2])
	}
	if msgs[2].chatID != "99" || !strings.Contains(msgs[2].text, "Unauthorized") {
		t.Fatalf("expected unauthorized reply, got %+v", msgs[2])
	}
}
