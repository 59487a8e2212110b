package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pocketagent/internal/browser"
	"pocketagent/internal/bus"
	"pocketagent/internal/config"
	"pocketagent/internal/delivery"
	"pocketagent/internal/dispatch"
	"pocketagent/internal/feed"
	"pocketagent/internal/ingest"
	"pocketagent/internal/metrics"
	"pocketagent/internal/notify"
	"pocketagent/internal/replylog"
	"pocketagent/internal/scheduler"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent (browser session, scanner, scheduler)",
		Long:  "Opens the WhatsApp Web session, watches for unread chats and answers them until interrupted. Press Ctrl+C to stop.",
		RunE:  runAgent,
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := configureLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	sel, err := browser.LoadSelectors(cfg.Browser.SelectorsFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Dispatch.MediaDir, 0o700); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)
	outbox := bus.NewOutbox(100, logger)
	defer outbox.Close()

	driver := browser.NewDriver(driverConfig(cfg))
	session, err := driver.Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer driver.Close()

	monitor := browser.NewMonitor(browser.MonitorConfig{
		Session:   session,
		Selectors: sel,
		Interval:  time.Duration(cfg.Scanner.LoginCheckIntervalMs) * time.Millisecond,
		Logger:    logger,
	})
	monitor.OnChange(func(prev, next browser.LoginState) {
		metrics.LoginState.Set(int64(next))
		events.Emit(bus.Event{Type: bus.EventLoginChanged, Source: "login", Payload: map[string]any{
			"from": prev.String(), "to": next.String(),
		}})
	})

	k := newKernel(cfg)
	if err := k.Healthy(ctx); err != nil {
		logger.Warn("kernel unhealthy at startup", "base", cfg.Kernel.APIBase, "err", err)
	} else {
		logger.Info("kernel healthy", "model", cfg.Kernel.Model)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Kernel:         k,
		MediaDir:       cfg.Dispatch.MediaDir,
		ImageSize:      cfg.Dispatch.ImageSize,
		SpeechFormat:   cfg.Dispatch.SpeechFormat,
		MaxDocChars:    cfg.Dispatch.MaxDocChars,
		FormatMarkdown: cfg.Dispatch.FormatMarkdown,
		Logger:         logger,
	})
	bridge, typing, scripted := newDelivery(cfg, session, sel)

	var store *replylog.Store
	var recorder ingest.Recorder
	if cfg.ReplyLog.Enabled {
		store, err = replylog.Open(cfg.ReplyLog.DBPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if cfg.ReplyLog.RetentionDays > 0 {
			if _, err := store.Prune(ctx, time.Duration(cfg.ReplyLog.RetentionDays)*24*time.Hour); err != nil {
				logger.Warn("reply log prune failed", "err", err)
			}
		}
		recorder = store
	}

	if cfg.Scheduler.Enabled {
		format := dispatch.FormatWhatsApp
		if !cfg.Dispatch.FormatMarkdown {
			format = nil
		}
		sched := scheduler.New(scheduler.Config{Runner: k, Outbox: outbox, Events: events, Format: format, Logger: logger})
		for _, j := range cfg.Scheduler.Jobs {
			if err := sched.Add(scheduledJob(j)); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if cfg.Notify.Enabled {
		n, tg := newNotifier(ctx, cfg, func(ctx context.Context) string { return statusText(ctx, monitor, store) })
		if len(n) == 0 {
			logger.Warn("operator notifications disabled: no backend could be started")
		} else {
			notify.Subscribe(events, n, logger)
		}
		if tg != nil {
			go tg.Run(ctx)
		}
	}

	var metricsSrv *http.Server
	var hub *feed.Hub
	if cfg.Metrics.Enabled {
		mux := metrics.Collector.Mux(cfg.Metrics.Endpoint)
		if cfg.Metrics.EventsPath != "" {
			hub = feed.New(feed.Config{Logger: logger})
			hub.Attach(events)
			mux.Handle(cfg.Metrics.EventsPath, hub)
		}
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
		logger.Info("metrics enabled", "listen", cfg.Metrics.Listen, "endpoint", cfg.Metrics.Endpoint, "events", cfg.Metrics.EventsPath)
	}

	go monitor.Run(ctx)

	// The scripted client may reload the page while installing; do it before
	// the first reply is waiting rather than during a delivery.
	if scripted != nil {
		if err := monitor.WaitFor(ctx, browser.StateConnected); err == nil {
			if err := scripted.Prepare(ctx); err != nil {
				logger.Info("scripted delivery not ready at startup", "err", err)
			}
		}
	}

	scanner := ingest.NewScanner(ingest.ScannerConfig{
		Session:    session,
		Selectors:  sel,
		Gate:       monitor,
		Extractor:  ingest.NewExtractor(ingest.ExtractorConfig{Page: session.Page, Logger: logger}),
		Dedup:      ingest.NewDedupStore(cfg.Scanner.DedupCapacity),
		Handler:    dispatcher,
		Bridge:     bridge,
		Typing:     typing,
		Outbox:     outbox,
		Recorder:   recorder,
		Events:     events,
		Interval:   time.Duration(cfg.Scanner.PollIntervalMs) * time.Millisecond,
		InputReady: time.Duration(cfg.Scanner.InputReadySeconds) * time.Second,
		Logger:     logger,
	})

	logger.Info("pocketagent running. Press Ctrl+C to stop.", "version", version)
	scanner.Run(ctx)
	logger.Info("shutting down...")

	if hub != nil {
		hub.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}
	return nil
}

// newDelivery builds the reply path: the scripted client first when enabled,
// DOM typing as the fallback. Typing is a no-op without the scripted client.
func newDelivery(cfg *config.Config, session *browser.ChatSession, sel browser.Selectors) (*delivery.Bridge, *delivery.Typing, *delivery.ScriptedSender) {
	var senders []delivery.Sender
	var scripted *delivery.ScriptedSender
	wait := time.Duration(cfg.Scanner.InputReadySeconds) * time.Second
	if cfg.Delivery.ScriptedEnabled {
		scripted = delivery.NewScriptedSender(delivery.ScriptedConfig{
			Page:         session.Page,
			BundlePath:   cfg.Delivery.BundlePath,
			CDNURLs:      cfg.Delivery.CDNURLs,
			AllowReload:  cfg.Delivery.AllowReload,
			ReadyTimeout: time.Duration(cfg.Delivery.ReadyTimeoutSecs) * time.Second,
			Reopen: func(ctx context.Context) error {
				return browser.ReopenChat(ctx, session, sel, wait)
			},
			Logger: logger,
		})
		senders = append(senders, scripted)
	}
	senders = append(senders, delivery.NewDOMSender(session.Page, sel, wait))

	bridge := delivery.NewBridge(delivery.BridgeConfig{
		Senders:     senders,
		MinInterval: time.Duration(cfg.Delivery.MinSendIntervalMs) * time.Millisecond,
		Logger:      logger,
	})
	return bridge, delivery.NewTyping(scripted, cfg.Delivery.TypingIndicator, logger), scripted
}

// newNotifier starts every configured alert backend. The Telegram notifier is
// also returned so the caller can run its command loop.
func newNotifier(ctx context.Context, cfg *config.Config, status func(context.Context) string) (notify.Multi, *notify.Telegram) {
	var n notify.Multi
	var tg *notify.Telegram
	if cfg.Notify.Token != "" {
		t, err := notify.NewTelegram(notify.TelegramConfig{
			Token:    cfg.Notify.Token,
			AdminIDs: cfg.Notify.AdminIDs,
			Status:   status,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("telegram notifier disabled", "err", err)
		} else {
			tg = t
			n = append(n, t)
		}
	}
	if cfg.Notify.Slack.Token != "" {
		s, err := notify.NewSlack(ctx, notify.SlackConfig{
			Token:    cfg.Notify.Slack.Token,
			Channels: cfg.Notify.Slack.Channels,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("slack notifier disabled", "err", err)
		} else {
			n = append(n, s)
		}
	}
	if cfg.Notify.Discord.Token != "" {
		d, err := notify.NewDiscord(notify.DiscordConfig{
			Token:    cfg.Notify.Discord.Token,
			Channels: cfg.Notify.Discord.Channels,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("discord notifier disabled", "err", err)
		} else {
			n = append(n, d)
		}
	}
	return n, tg
}

func scheduledJob(j config.ScheduledJob) scheduler.Job {
	return scheduler.Job{
		ID:             j.ID,
		Schedule:       j.Schedule,
		Prompt:         j.Prompt,
		Chat:           j.Chat,
		SkipIfContains: j.SkipIfContains,
		Enabled:        j.Enabled,
	}
}

// statusText answers the operator's /status command.
func statusText(ctx context.Context, monitor *browser.Monitor, store *replylog.Store) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PocketAgent v%s\n", version)
	fmt.Fprintf(&b, "Login: %s\n", monitor.State())
	fmt.Fprintf(&b, "Started: %s\n", humanize.Time(time.Now().Add(-metrics.Collector.Uptime())))
	fmt.Fprintf(&b, "Scans: %d, handled: %d, duplicates: %d, delivery failures: %d\n",
		metrics.ScansTotal.Value(), metrics.MessagesHandled.Value(), metrics.MessagesDuplicate.Value(), metrics.DeliveryFailures.Value())
	if store != nil {
		b.WriteString(replyLogSummary(ctx, store, 5))
	}
	return strings.TrimRight(b.String(), "\n")
}
