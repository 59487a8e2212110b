package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"pocketagent/internal/browser"
	"pocketagent/internal/domain"
)

const maxBundleBytes = 16 << 20

// ScriptedSender calls the wa-js client library inside the page. The library
// is installed once, either up front by Prepare or on first use.
type ScriptedSender struct {
	page         browser.Page
	bundlePath   string
	cdnURLs      []string
	allowReload  bool
	readyTimeout time.Duration
	pollInterval time.Duration
	client       *http.Client
	reopen       func(ctx context.Context) error
	logger       *slog.Logger

	mu        sync.Mutex
	attempted bool
}

// ScriptedConfig holds configuration for the scripted sender.
type ScriptedConfig struct {
	Page         browser.Page
	BundlePath   string   // local wa-js bundle, evaluated directly
	CDNURLs      []string // fetched in order when there is no local bundle
	AllowReload  bool     // permit one reload with an init script as last resort
	ReadyTimeout time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
	Reopen       func(ctx context.Context) error // restores the open chat after a reload
	Logger       *slog.Logger
}

func NewScriptedSender(cfg ScriptedConfig) *ScriptedSender {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ScriptedSender{
		page:         cfg.Page,
		bundlePath:   cfg.BundlePath,
		cdnURLs:      cfg.CDNURLs,
		allowReload:  cfg.AllowReload,
		readyTimeout: cfg.ReadyTimeout,
		pollInterval: cfg.PollInterval,
		client:       cfg.HTTPClient,
		reopen:       cfg.Reopen,
		logger:       cfg.Logger.With("component", "scripted"),
	}
}

func (s *ScriptedSender) Name() string { return "scripted" }

// Ready reports whether the library is loaded and ready. It never installs it.
func (s *ScriptedSender) Ready(ctx context.Context) bool {
	var ready bool
	if err := s.page.Evaluate(ctx, jsReady, &ready); err != nil {
		return false
	}
	return ready
}

func (s *ScriptedSender) SendText(ctx context.Context, text string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.call(ctx, fmt.Sprintf(jsSendText, jsonArg(text)))
}

func (s *ScriptedSender) SendFile(ctx context.Context, reply domain.OutboundReply) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(reply.FilePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	mimeType := mimetype.Detect(data).String()
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	opts := map[string]string{
		"type":     "auto-detect",
		"caption":  reply.Caption,
		"filename": filepath.Base(reply.FilePath),
	}
	s.logger.Debug("sending file", "name", opts["filename"], "mime", mimeType, "size", humanize.Bytes(uint64(len(data))))
	return s.call(ctx, fmt.Sprintf(jsSendFile, jsonArg(dataURL), jsonArg(opts)))
}

// SetTyping toggles the composing indicator in the active chat.
func (s *ScriptedSender) SetTyping(ctx context.Context, composing bool) error {
	return s.call(ctx, fmt.Sprintf(jsTyping, jsonArg(composing)))
}

type callResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *ScriptedSender) call(ctx context.Context, expr string) error {
	var res callResult
	if err := s.page.Evaluate(ctx, expr, &res); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if !res.OK {
		if res.Error == "not ready" {
			return ErrNotReady
		}
		return fmt.Errorf("wa-js: %s", res.Error)
	}
	return nil
}

// Prepare installs the library before any delivery, so the reload path never
// runs while a reply is waiting. A failure is not fatal: the bridge falls
// back to DOM delivery.
func (s *ScriptedSender) Prepare(ctx context.Context) error {
	return s.ensure(ctx)
}

// ensure makes the library available, installing it on the first call.
// Later calls only check readiness.
func (s *ScriptedSender) ensure(ctx context.Context) error {
	if s.Ready(ctx) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempted {
		return ErrNotReady
	}
	s.attempted = true

	if err := s.install(ctx); err != nil {
		s.logger.Info("scripted client unavailable, using DOM delivery", "err", err)
		return ErrNotReady
	}
	s.logger.Info("scripted client ready")
	return nil
}

func (s *ScriptedSender) install(ctx context.Context) error {
	if s.bundlePath != "" {
		src, err := os.ReadFile(s.bundlePath)
		if err == nil {
			if err := s.page.Evaluate(ctx, string(src), nil); err != nil {
				return fmt.Errorf("evaluate local bundle: %w", err)
			}
			return s.waitReady(ctx, s.readyTimeout)
		}
		s.logger.Warn("local bundle unreadable", "path", s.bundlePath, "err", err)
	}

	for _, url := range s.cdnURLs {
		src, err := s.fetch(ctx, url)
		if err != nil {
			s.logger.Debug("bundle fetch failed", "url", url, "err", err)
			continue
		}
		if err := s.page.Evaluate(ctx, src, nil); err != nil {
			s.logger.Debug("bundle evaluate failed", "url", url, "err", err)
			continue
		}
		if err := s.waitReady(ctx, s.readyTimeout); err == nil {
			s.logger.Debug("bundle loaded", "url", url, "size", humanize.Bytes(uint64(len(src))))
			return nil
		}
	}

	if !s.allowReload || len(s.cdnURLs) == 0 {
		return fmt.Errorf("no bundle source reachable")
	}
	// Last resort: let the page load the bundle itself on a fresh document.
	if err := s.page.AddInitScript(ctx, fmt.Sprintf(jsLoaderInit, jsonArg(s.cdnURLs))); err != nil {
		return fmt.Errorf("add init script: %w", err)
	}
	if err := s.page.Reload(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	err := s.waitReady(ctx, 2*s.readyTimeout)
	if s.reopen != nil {
		if rerr := s.reopen(ctx); rerr != nil {
			s.logger.Warn("reopen chat after reload failed", "err", rerr)
		}
	}
	return err
}

func (s *ScriptedSender) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty bundle")
	}
	return string(body), nil
}

func (s *ScriptedSender) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if s.Ready(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

func jsonArg(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

const jsReady = `!!(window.WPP && window.WPP.isReady)`

const jsActiveChat = `
	if (!(window.WPP && window.WPP.isReady)) return {ok: false, error: "not ready"};
	const chat = WPP.chat.getActiveChat();
	if (!chat) return {ok: false, error: "no active chat"};
	const id = chat.id._serialized || String(chat.id);`

const jsSendText = `(async (text) => {
	try {` + jsActiveChat + `
		await WPP.chat.sendTextMessage(id, text, {});
		return {ok: true, error: ""};
	} catch (e) {
		return {ok: false, error: String(e && e.message || e)};
	}
})(%s)`

const jsSendFile = `(async (dataURL, opts) => {
	try {` + jsActiveChat + `
		await WPP.chat.sendFileMessage(id, dataURL, opts);
		return {ok: true, error: ""};
	} catch (e) {
		return {ok: false, error: String(e && e.message || e)};
	}
})(%s, %s)`

const jsTyping = `(async (composing) => {
	try {` + jsActiveChat + `
		if (composing) {
			await WPP.chat.markIsComposing(id);
		} else {
			await WPP.chat.markIsPaused(id);
		}
		return {ok: true, error: ""};
	} catch (e) {
		return {ok: false, error: String(e && e.message || e)};
	}
})(%s)`

const jsLoaderInit = `(function (urls) {
	function load(i) {
		if (i >= urls.length) return;
		var s = document.createElement("script");
		s.src = urls[i];
		s.onerror = function () { load(i + 1); };
		(document.head || document.documentElement).appendChild(s);
	}
	if (document.readyState === "loading") {
		document.addEventListener("DOMContentLoaded", function () { load(0); });
	} else {
		load(0);
	}
})(%s)`
