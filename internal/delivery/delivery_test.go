package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pocketagent/internal/browser"
	"pocketagent/internal/browser/browsertest"
	"pocketagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeWPP scripts the in-page library: ready reports readiness, and sends
// are answered with ok.
type fakeWPP struct {
	ready    bool
	bundles  int
	sent     []string
	sendFail string
}

func (f *fakeWPP) eval(expr string, out any) error {
	switch {
	case out == nil:
		f.bundles++
		f.ready = true
		return nil
	case expr == jsReady:
		return browsertest.SetResult(out, f.ready)
	case strings.Contains(expr, "sendTextMessage"), strings.Contains(expr, "sendFileMessage"), strings.Contains(expr, "markIs"):
		f.sent = append(f.sent, expr)
		if f.sendFail != "" {
			return browsertest.SetResult(out, callResult{OK: false, Error: f.sendFail})
		}
		return browsertest.SetResult(out, callResult{OK: true})
	}
	return nil
}

func newScripted(p browser.Page, cfg ScriptedConfig) *ScriptedSender {
	cfg.Page = p
	cfg.Logger = testLogger()
	cfg.ReadyTimeout = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	return NewScriptedSender(cfg)
}

func TestDOMSender_MultiLineUsesSoftNewlines(t *testing.T) {
	p := browsertest.New()
	d := NewDOMSender(p, browser.DefaultSelectors(), time.Second)

	if err := d.SendText(context.Background(), "a\nb\nc"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	soft := p.CallsWithPrefix("key shift+enter")
	submit := p.CallsWithPrefix("key enter")
	if len(soft) != 2 {
		t.Errorf("expected 2 soft newlines, got %d", len(soft))
	}
	if len(submit) != 1 {
		t.Errorf("expected 1 submit, got %d", len(submit))
	}
	if last := p.Calls[len(p.Calls)-1]; last != "key enter" {
		t.Errorf("submit should be the final action, got %q", last)
	}
	if inserts := p.CallsWithPrefix("insert"); len(inserts) != 3 {
		t.Errorf("expected 3 typed lines, got %v", inserts)
	}
}

func TestDOMSender_SendFileWithCaption(t *testing.T) {
	sel := browser.DefaultSelectors()
	p := browsertest.New()
	d := NewDOMSender(p, sel, time.Second)

	file := filepath.Join(t.TempDir(), "report.pdf")
	os.WriteFile(file, []byte("%PDF-1.4"), 0o644)

	err := d.SendFile(context.Background(), domain.OutboundReply{FilePath: file, Caption: "here"})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	want := []string{
		"click " + sel.AttachButton,
		"files " + sel.FileInput + " " + file,
		"wait " + sel.SendButton,
		"click " + sel.CaptionBox,
		"insert here",
		"click " + sel.SendButton,
	}
	if len(p.Calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, p.Calls)
	}
	for i := range want {
		if p.Calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], p.Calls[i])
		}
	}
}

func TestDOMSender_ForceClicksWhenClickFails(t *testing.T) {
	sel := browser.DefaultSelectors()
	p := browsertest.New()
	p.ClickErr[sel.InputBox] = errors.New("not visible")
	d := NewDOMSender(p, sel, time.Second)

	if err := d.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(p.CallsWithPrefix("forceclick "+sel.InputBox)) != 1 {
		t.Fatalf("expected forced click, calls: %v", p.Calls)
	}
}

func TestBridge_FallsBackWhenScriptedNotReady(t *testing.T) {
	p := browsertest.New()
	wpp := &fakeWPP{}
	p.EvalFunc = wpp.eval

	scripted := newScripted(p, ScriptedConfig{})
	bridge := NewBridge(BridgeConfig{
		Senders: []Sender{scripted, NewDOMSender(p, browser.DefaultSelectors(), time.Second)},
		Logger:  testLogger(),
	})

	path, err := bridge.Deliver(context.Background(), domain.OutboundReply{Text: "hello"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if path != "dom" {
		t.Fatalf("expected dom path, got %q", path)
	}
	if len(p.CallsWithPrefix("key enter")) != 1 {
		t.Fatal("expected DOM submit")
	}
}

func TestBridge_ReturnsFallbackError(t *testing.T) {
	p := browsertest.New()
	p.EvalFunc = (&fakeWPP{}).eval
	p.InsertErr = errors.New("composer detached")

	bridge := NewBridge(BridgeConfig{
		Senders: []Sender{newScripted(p, ScriptedConfig{}), NewDOMSender(p, browser.DefaultSelectors(), time.Second)},
		Logger:  testLogger(),
	})

	_, err := bridge.Deliver(context.Background(), domain.OutboundReply{Text: "hello"})
	if err == nil {
		t.Fatal("expected error when fallback fails")
	}
	if !strings.Contains(err.Error(), "composer detached") || errors.Is(err, ErrNotReady) {
		t.Fatalf("expected the DOM sender's error, got %v", err)
	}
}

func TestBridge_PrefersReadyScripted(t *testing.T) {
	p := browsertest.New()
	wpp := &fakeWPP{ready: true}
	p.EvalFunc = wpp.eval

	bridge := NewBridge(BridgeConfig{
		Senders: []Sender{newScripted(p, ScriptedConfig{}), NewDOMSender(p, browser.DefaultSelectors(), time.Second)},
		Logger:  testLogger(),
	})

	path, err := bridge.Deliver(context.Background(), domain.OutboundReply{Text: "line1\nline2"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if path != "scripted" {
		t.Fatalf("expected scripted path, got %q", path)
	}
	if len(wpp.sent) != 1 || !strings.Contains(wpp.sent[0], `"line1\nline2"`) {
		t.Fatalf("expected one scripted send carrying both lines, got %v", wpp.sent)
	}
	if len(p.CallsWithPrefix("insert")) != 0 {
		t.Fatal("DOM path should not run")
	}
}

func TestBridge_EmptyReplyIsNoop(t *testing.T) {
	bridge := NewBridge(BridgeConfig{Logger: testLogger()})
	path, err := bridge.Deliver(context.Background(), domain.OutboundReply{})
	if err != nil || path != "" {
		t.Fatalf("expected no-op, got %q %v", path, err)
	}
}

func TestScriptedSender_LoadsLocalBundleOnce(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "wppconnect-wa.js")
	os.WriteFile(bundle, []byte("window.WPP = {isReady: true};"), 0o644)

	p := browsertest.New()
	wpp := &fakeWPP{}
	p.EvalFunc = wpp.eval
	s := newScripted(p, ScriptedConfig{BundlePath: bundle})

	ctx := context.Background()
	if err := s.SendText(ctx, "one"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.SendText(ctx, "two"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if wpp.bundles != 1 {
		t.Fatalf("expected bundle evaluated once, got %d", wpp.bundles)
	}
	if len(wpp.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(wpp.sent))
	}
}

func TestScriptedSender_FetchesFromFirstReachableCDN(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if r.URL.Path == "/missing.js" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("window.WPP = {isReady: true};"))
	}))
	defer srv.Close()

	p := browsertest.New()
	wpp := &fakeWPP{}
	p.EvalFunc = wpp.eval
	s := newScripted(p, ScriptedConfig{CDNURLs: []string{srv.URL + "/missing.js", srv.URL + "/wa.js", srv.URL + "/unused.js"}})

	if err := s.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 CDN requests, got %v", hits)
	}
	if len(p.CallsWithPrefix("reload")) != 0 {
		t.Fatal("reload should not be needed")
	}
}

func TestScriptedSender_ReloadsOnceAsLastResort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := browsertest.New()
	p.EvalFunc = func(expr string, out any) error {
		if expr == jsReady {
			return browsertest.SetResult(out, len(p.CallsWithPrefix("reload")) > 0)
		}
		return browsertest.SetResult(out, callResult{OK: true})
	}
	s := newScripted(p, ScriptedConfig{CDNURLs: []string{srv.URL + "/wa.js"}, AllowReload: true})

	if err := s.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(p.CallsWithPrefix("initscript")) != 1 || len(p.CallsWithPrefix("reload")) != 1 {
		t.Fatalf("expected one init script and one reload, calls: %v", p.Calls)
	}
}

func TestScriptedSender_ReopensChatAfterReload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sel := browser.DefaultSelectors()
	p := browsertest.New()
	p.EvalFunc = (&fakeWPP{}).eval
	session := browser.NewChatSession(p)
	session.SetOpenChat("Alice")

	scripted := newScripted(p, ScriptedConfig{
		CDNURLs:     []string{srv.URL + "/wa.js"},
		AllowReload: true,
		Reopen: func(ctx context.Context) error {
			return browser.ReopenChat(ctx, session, sel, time.Second)
		},
	})
	bridge := NewBridge(BridgeConfig{
		Senders: []Sender{scripted, NewDOMSender(p, sel, time.Second)},
		Logger:  testLogger(),
	})

	path, err := bridge.Deliver(context.Background(), domain.OutboundReply{Text: "hello"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if path != "dom" {
		t.Fatalf("expected dom path, got %q", path)
	}
	if session.OpenChat() != "Alice" {
		t.Fatalf("expected Alice reopened, got %q", session.OpenChat())
	}

	index := func(call string) int {
		for i, c := range p.Calls {
			if c == call {
				return i
			}
		}
		return -1
	}
	reload := index("reload")
	typed := index("insert Alice")
	composer := index("click " + sel.InputBox)
	if reload < 0 || typed < reload || composer < typed {
		t.Fatalf("expected reload, then chat search, then composer; calls: %v", p.Calls)
	}
}

func TestScriptedSender_PrepareInstallsBeforeDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := browsertest.New()
	p.EvalFunc = (&fakeWPP{}).eval
	s := newScripted(p, ScriptedConfig{CDNURLs: []string{srv.URL + "/wa.js"}, AllowReload: true})

	ctx := context.Background()
	if err := s.Prepare(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady from Prepare, got %v", err)
	}
	if len(p.CallsWithPrefix("reload")) != 1 {
		t.Fatalf("expected reload during Prepare, calls: %v", p.Calls)
	}
	if err := s.SendText(ctx, "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if len(p.CallsWithPrefix("reload")) != 1 {
		t.Fatalf("delivery must not reload again, calls: %v", p.Calls)
	}
}

func TestScriptedSender_NotReadyWithoutSources(t *testing.T) {
	p := browsertest.New()
	wpp := &fakeWPP{}
	p.EvalFunc = wpp.eval
	s := newScripted(p, ScriptedConfig{AllowReload: true})

	ctx := context.Background()
	if err := s.SendText(ctx, "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := s.SendText(ctx, "again"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady on second call, got %v", err)
	}
	if len(p.CallsWithPrefix("reload")) != 0 {
		t.Fatal("no reload without CDN URLs")
	}
}

func TestScriptedSender_ReportsLibraryError(t *testing.T) {
	p := browsertest.New()
	wpp := &fakeWPP{ready: true, sendFail: "no active chat"}
	p.EvalFunc = wpp.eval
	s := newScripted(p, ScriptedConfig{})

	err := s.SendText(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "no active chat") {
		t.Fatalf("expected library error, got %v", err)
	}
}

func TestTyping_NoopWhenNotReady(t *testing.T) {
	p := browsertest.New()
	wpp := &fakeWPP{}
	p.EvalFunc = wpp.eval
	typing := NewTyping(newScripted(p, ScriptedConfig{}), true, testLogger())

	typing.Start(context.Background())
	typing.Stop(context.Background())

	if len(wpp.sent) != 0 {
		t.Fatalf("expected no typing calls, got %v", wpp.sent)
	}
}

func TestTyping_TogglesWhenReady(t *testing.T) {
	p := browsertest.New()
	wpp := &fakeWPP{ready: true}
	p.EvalFunc = wpp.eval
	typing := NewTyping(newScripted(p, ScriptedConfig{}), true, testLogger())

	typing.Start(context.Background())
	typing.Stop(context.Background())

	if len(wpp.sent) != 2 {
		t.Fatalf("expected 2 typing calls, got %d", len(wpp.sent))
	}
	if !strings.Contains(wpp.sent[0], "(true)") || !strings.Contains(wpp.sent[1], "(false)") {
		t.Fatalf("expected composing then paused, got %v", wpp.sent)
	}
}

func TestTyping_NilAndDisabled(t *testing.T) {
	var typing *Typing
	typing.Start(context.Background())

	p := browsertest.New()
	wpp := &fakeWPP{ready: true}
	p.EvalFunc = wpp.eval
	NewTyping(newScripted(p, ScriptedConfig{}), false, testLogger()).Start(context.Background())
	if len(wpp.sent) != 0 {
		t.Fatal("disabled typing should not call the page")
	}
}
