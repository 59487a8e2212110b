package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"pocketagent/internal/browser"
	"pocketagent/internal/config"
	"pocketagent/internal/replylog"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your PocketAgent installation",
		Long: `Verifies that PocketAgent's configuration, browser, reply log and kernel
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("PocketAgent Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'pocketagent init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if path, err := findChrome(); err != nil {
				r.fail("Chrome", err.Error())
			} else {
				r.pass("Chrome", path)
			}

			if info, err := os.Stat(cfg.Browser.ProfileDir); err != nil || !info.IsDir() {
				r.warn("Browser profile", fmt.Sprintf("%s missing (run 'pocketagent login')", cfg.Browser.ProfileDir))
			} else {
				r.pass("Browser profile", cfg.Browser.ProfileDir)
			}

			if cfg.Browser.SelectorsFile != "" {
				if _, err := browser.LoadSelectors(cfg.Browser.SelectorsFile); err != nil {
					r.fail("Selectors", err.Error())
				} else {
					r.pass("Selectors", cfg.Browser.SelectorsFile)
				}
			}

			switch {
			case !cfg.Delivery.ScriptedEnabled:
				r.warn("Scripted client", "disabled; replies are typed through the DOM")
			case cfg.Delivery.BundlePath != "":
				if _, err := os.Stat(cfg.Delivery.BundlePath); err != nil {
					r.fail("Scripted client", fmt.Sprintf("bundle not found: %s", cfg.Delivery.BundlePath))
				} else {
					r.pass("Scripted client", cfg.Delivery.BundlePath)
				}
			case len(cfg.Delivery.CDNURLs) > 0:
				r.pass("Scripted client", fmt.Sprintf("%d CDN source(s)", len(cfg.Delivery.CDNURLs)))
			default:
				r.warn("Scripted client", "no bundle path or CDN URL configured")
			}

			if cfg.ReplyLog.Enabled {
				if schema, err := checkReplyLog(cfg.ReplyLog.DBPath); err != nil {
					r.fail("Reply log", err.Error())
				} else {
					r.pass("Reply log", fmt.Sprintf("%s (schema v%d)", cfg.ReplyLog.DBPath, schema))
				}
			}

			if cfg.Kernel.APIKey == "" {
				r.warn("Kernel", "no apiKey configured")
			}
			if !offline {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				err := newKernel(cfg).Healthy(ctx)
				cancel()
				if err != nil {
					r.fail("Kernel", err.Error())
				} else {
					r.pass("Kernel", fmt.Sprintf("%s (%s)", cfg.Kernel.APIBase, cfg.Kernel.Model))
				}
			}

			if err := os.MkdirAll(cfg.Dispatch.MediaDir, 0o700); err != nil {
				r.fail("Media dir", err.Error())
			} else {
				r.pass("Media dir", cfg.Dispatch.MediaDir)
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					detail := cfg.Metrics.Listen + " available"
					if cfg.Metrics.EventsPath != "" {
						detail += ", live feed at " + cfg.Metrics.EventsPath
					}
					r.pass("Metrics", detail)
				}
			}

			if cfg.Notify.Enabled {
				var backends []string
				if cfg.Notify.Token != "" {
					backends = append(backends, fmt.Sprintf("telegram (%d admin(s))", len(cfg.Notify.AdminIDs)))
				}
				if cfg.Notify.Slack.Token != "" {
					backends = append(backends, fmt.Sprintf("slack (%d channel(s))", len(cfg.Notify.Slack.Channels)))
				}
				if cfg.Notify.Discord.Token != "" {
					backends = append(backends, fmt.Sprintf("discord (%d channel(s))", len(cfg.Notify.Discord.Channels)))
				}
				r.pass("Notify", strings.Join(backends, ", "))
			}

			if cfg.Scheduler.Enabled {
				enabled := 0
				for _, j := range cfg.Scheduler.Jobs {
					if j.Enabled {
						enabled++
					}
				}
				r.pass("Scheduler", fmt.Sprintf("%d job(s), %d enabled", len(cfg.Scheduler.Jobs), enabled))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the kernel connectivity check")
	return cmd
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running PocketAgent.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nPocketAgent should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! PocketAgent is ready to run.\n")
	}
	return nil
}

// findChrome looks for a browser binary chromedp can launch.
func findChrome() (string, error) {
	names := []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			return p, nil
		}
	}
	if runtime.GOOS == "darwin" {
		for _, p := range []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		} {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium binary found in PATH")
}

// checkReplyLog opens (and migrates) the log and returns its schema version.
func checkReplyLog(dbPath string) (int, error) {
	store, err := replylog.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.DB().PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := store.DB().ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	store.DB().ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return replylog.SchemaVersion(store.DB())
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
