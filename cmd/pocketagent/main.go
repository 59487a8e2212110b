package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pocketagent/internal/browser"
	"pocketagent/internal/config"
	"pocketagent/internal/domain"
	"pocketagent/internal/kernel"
	"pocketagent/internal/replylog"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does not overwrite variables already set.
		_ = godotenv.Load(f)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "pocketagent",
		Short:   "PocketAgent: a personal agent behind your WhatsApp Web session",
		Long:    "PocketAgent watches WhatsApp Web for unread chats, answers them through an AI kernel, and types the reply back.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.pocketagent/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(backupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// configureLogger replaces the bootstrap logger with one honoring
// general.logLevel and general.logFile. The returned func closes the file.
func configureLogger(g config.GeneralConfig) (func(), error) {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return closeFn, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closeFn, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.DataDir, cfg.Browser.ProfileDir, cfg.Dispatch.MediaDir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o700); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", config.ExpandPath(cfg.General.DataDir))
			fmt.Println("Next: set kernel.apiKey (or KERNEL_API_KEY in .env), then run 'pocketagent login'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func loginCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a visible browser and wait for the QR code to be scanned",
		Long:  "Opens WhatsApp Web in a visible Chrome window using the configured profile. The linked device is kept in the profile for later headless runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sel, err := browser.LoadSelectors(cfg.Browser.SelectorsFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dc := driverConfig(cfg)
			dc.Headless = false
			driver := browser.NewDriver(dc)
			session, err := driver.Start(ctx)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			defer driver.Close()

			monitor := browser.NewMonitor(browser.MonitorConfig{
				Session:   session,
				Selectors: sel,
				Interval:  2 * time.Second,
				Logger:    logger,
			})
			fmt.Println("Scan the QR code in the browser window (WhatsApp > Linked devices).")

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := monitor.WaitFor(waitCtx, browser.StateConnected); err != nil {
				return fmt.Errorf("login not completed: %w", err)
			}
			fmt.Printf("Connected. Session saved in %s\n", cfg.Browser.ProfileDir)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the scan")
	return cmd
}

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show kernel health and recent reply activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			fmt.Printf("PocketAgent v%s\n", version)
			fmt.Printf("Config:  %s\n", resolveConfigPath())

			k := newKernel(cfg)
			if err := k.Healthy(ctx); err != nil {
				fmt.Printf("Kernel:  unhealthy (%v)\n", err)
			} else {
				fmt.Printf("Kernel:  ok (%s)\n", cfg.Kernel.Model)
			}

			if !cfg.ReplyLog.Enabled {
				fmt.Println("Reply log disabled.")
				return nil
			}
			if _, err := os.Stat(cfg.ReplyLog.DBPath); err != nil {
				fmt.Println("Reply log empty (agent has not run yet).")
				return nil
			}
			store, err := replylog.Open(cfg.ReplyLog.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Print(replyLogSummary(ctx, store, recent))
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "number of recent entries to list")
	return cmd
}

// replyLogSummary renders log statistics and the newest entries.
func replyLogSummary(ctx context.Context, store *replylog.Store, recent int) string {
	var b strings.Builder
	st, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(&b, "Replies: unavailable (%v)\n", err)
		return b.String()
	}
	fmt.Fprintf(&b, "Replies: %s processed", humanize.Comma(int64(st.Total)))
	if st.Total > 0 {
		fmt.Fprintf(&b, ", last %s, avg %.0f ms", humanize.Time(st.Last), st.AvgMs)
	}
	b.WriteString("\n")
	for _, status := range []string{replylog.StatusDelivered, replylog.StatusNoReply, replylog.StatusHandlerFailed, replylog.StatusDeliveryFailed} {
		if n := st.ByStatus[status]; n > 0 {
			fmt.Fprintf(&b, "  %-16s %d\n", status, n)
		}
	}
	if recent <= 0 || st.Total == 0 {
		return b.String()
	}

	entries, err := store.Recent(ctx, recent)
	if err != nil {
		return b.String()
	}
	b.WriteString("Recent:\n")
	for _, e := range entries {
		line := fmt.Sprintf("  %-14s %-20s %-8s %-16s", humanize.Time(e.CreatedAt), truncateName(e.Chat, 20), e.MediaType, e.Status)
		if e.Path != "" {
			line += " via " + e.Path
		}
		if e.Error != "" {
			line += " (" + truncateName(e.Error, 60) + ")"
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	return b.String()
}

func truncateName(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func sendCmd() *cobra.Command {
	var to, text, file, caption string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text or file to a chat through the browser session",
		Long:  "Opens the session, waits until it is connected, opens the chat by name and delivers through the same path the agent uses. Do not run while 'pocketagent run' holds the profile.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to is required")
			}
			reply := domain.OutboundReply{Text: text, FilePath: file, Caption: caption}
			if reply.Empty() {
				return fmt.Errorf("nothing to send: use --text or --file")
			}
			if file != "" {
				abs, err := filepath.Abs(file)
				if err != nil {
					return err
				}
				if _, err := os.Stat(abs); err != nil {
					return fmt.Errorf("file: %w", err)
				}
				reply.FilePath = abs
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sel, err := browser.LoadSelectors(cfg.Browser.SelectorsFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			driver := browser.NewDriver(driverConfig(cfg))
			session, err := driver.Start(ctx)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			defer driver.Close()

			monitor := browser.NewMonitor(browser.MonitorConfig{Session: session, Selectors: sel, Interval: time.Second, Logger: logger})
			if err := monitor.WaitFor(ctx, browser.StateConnected); err != nil {
				return fmt.Errorf("session not connected (run 'pocketagent login' first): %w", err)
			}

			bridge, _, scripted := newDelivery(cfg, session, sel)
			if scripted != nil {
				if err := scripted.Prepare(ctx); err != nil {
					logger.Debug("scripted delivery not ready", "err", err)
				}
			}
			wait := time.Duration(cfg.Scanner.InputReadySeconds) * time.Second
			if err := browser.OpenChatByName(ctx, session, sel, to, wait); err != nil {
				return err
			}
			start := time.Now()
			path, err := bridge.Deliver(ctx, reply)
			recordManualSend(ctx, cfg, to, path, err, time.Since(start))
			if err != nil {
				return fmt.Errorf("deliver: %w", err)
			}
			fmt.Printf("Sent to %q via %s\n", to, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "chat name as shown in the chat list")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&file, "file", "", "file to attach")
	cmd.Flags().StringVar(&caption, "caption", "", "caption for the attached file")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	return cmd
}

// recordManualSend logs a CLI delivery in the reply log when it is enabled.
func recordManualSend(ctx context.Context, cfg *config.Config, chat, path string, sendErr error, latency time.Duration) {
	if !cfg.ReplyLog.Enabled {
		return
	}
	store, err := replylog.Open(cfg.ReplyLog.DBPath, logger)
	if err != nil {
		logger.Warn("reply log unavailable", "err", err)
		return
	}
	defer store.Close()

	e := replylog.Entry{Token: "cli", Chat: chat, MediaType: string(domain.MediaText), Source: "cli", Path: path, Latency: latency}
	if sendErr != nil {
		e.Status = replylog.StatusDeliveryFailed
		e.Error = sendErr.Error()
	} else {
		e.Status = replylog.StatusDelivered
		e.Replies = 1
	}
	if err := store.Record(context.WithoutCancel(ctx), e); err != nil {
		logger.Warn("reply log write failed", "err", err)
	}
}

func driverConfig(cfg *config.Config) browser.DriverConfig {
	return browser.DriverConfig{
		URL:           cfg.Browser.URL,
		ProfileDir:    cfg.Browser.ProfileDir,
		Headless:      cfg.Browser.Headless,
		UserAgent:     cfg.Browser.UserAgent,
		ActionTimeout: time.Duration(cfg.Browser.ActionTimeoutSeconds) * time.Second,
		Logger:        logger,
	}
}

func newKernel(cfg *config.Config) *kernel.Client {
	k := cfg.Kernel
	return kernel.New(kernel.Config{
		APIBase:         k.APIBase,
		APIKey:          k.APIKey,
		Model:           k.Model,
		VisionModel:     k.VisionModel,
		SystemPrompt:    k.SystemPrompt,
		ImageModel:      k.ImageModel,
		SpeechModel:     k.SpeechModel,
		SpeechVoice:     k.SpeechVoice,
		TranscribeBase:  k.TranscribeBase,
		TranscribeKey:   k.TranscribeKey,
		TranscribeModel: k.TranscribeModel,
		Timeout:         time.Duration(k.TimeoutSeconds) * time.Second,
		Logger:          logger,
	})
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. scanner.pollIntervalMs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. browser.headless true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
