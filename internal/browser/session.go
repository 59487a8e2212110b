package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ChatSession is the one live page plus the state observed about it.
type ChatSession struct {
	Page Page

	loggedIn atomic.Bool
	openChat atomic.Value // string
}

func NewChatSession(p Page) *ChatSession {
	s := &ChatSession{Page: p}
	s.openChat.Store("")
	return s
}

func (s *ChatSession) LoggedIn() bool     { return s.loggedIn.Load() }
func (s *ChatSession) setLoggedIn(v bool) { s.loggedIn.Store(v) }

// OpenChat returns the name of the chat the scanner last opened.
func (s *ChatSession) OpenChat() string { return s.openChat.Load().(string) }

func (s *ChatSession) SetOpenChat(name string) { s.openChat.Store(name) }

// Driver owns the Chrome process bound to a persistent profile directory.
type Driver struct {
	url           string
	profileDir    string
	headless      bool
	userAgent     string
	actionTimeout time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
}

// DriverConfig holds configuration for the session driver.
type DriverConfig struct {
	URL           string
	ProfileDir    string // Chrome user data directory (persists the linked device)
	Headless      bool
	UserAgent     string
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

func NewDriver(cfg DriverConfig) *Driver {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".pocketagent", "chrome-profile")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		url:           cfg.URL,
		profileDir:    cfg.ProfileDir,
		headless:      cfg.Headless,
		userAgent:     cfg.UserAgent,
		actionTimeout: cfg.ActionTimeout,
		logger:        cfg.Logger.With("component", "browser"),
	}
}

// Start launches Chrome, opens the web client and returns the session. The
// browser lives until Close is called or parentCtx is cancelled.
func (d *Driver) Start(parentCtx context.Context) (*ChatSession, error) {
	if err := os.MkdirAll(d.profileDir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(d.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(d.userAgent),
	)
	if d.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			d.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	d.cancel = func() {
		taskCancel()
		allocCancel()
	}

	// First Run starts the browser; it must use the task context itself so
	// the browser is not tied to a short-lived timeout context.
	if err := chromedp.Run(taskCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	p := NewCDPPage(taskCtx, d.actionTimeout)
	d.logger.Info("opening web client", "url", d.url, "profile", d.profileDir, "headless", d.headless)
	if err := p.Navigate(parentCtx, d.url); err != nil {
		d.Close()
		return nil, fmt.Errorf("navigate to %s: %w", d.url, err)
	}
	return NewChatSession(p), nil
}

// Close shuts the browser down. The profile directory is left intact.
func (d *Driver) Close() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
