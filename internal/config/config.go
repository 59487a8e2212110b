package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for PocketAgent.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Browser   BrowserConfig   `json:"browser"`
	Scanner   ScannerConfig   `json:"scanner"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Kernel    KernelConfig    `json:"kernel"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	ReplyLog  ReplyLogConfig  `json:"replyLog"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// BrowserConfig configures the persistent Chrome session driving the web client.
type BrowserConfig struct {
	URL                  string `json:"url"`
	ProfileDir           string `json:"profileDir"` // Chrome user data dir; holds the linked-device session
	Headless             bool   `json:"headless"`
	UserAgent            string `json:"userAgent,omitempty"`
	ActionTimeoutSeconds int    `json:"actionTimeoutSeconds"`
	SelectorsFile        string `json:"selectorsFile,omitempty"` // optional YAML selector overrides
}

type ScannerConfig struct {
	PollIntervalMs       int `json:"pollIntervalMs"`
	LoginCheckIntervalMs int `json:"loginCheckIntervalMs"`
	DedupCapacity        int `json:"dedupCapacity"`
	InputReadySeconds    int `json:"inputReadySeconds"`
}

// DeliveryConfig configures the reply path: scripted client first, DOM typing second.
type DeliveryConfig struct {
	ScriptedEnabled   bool     `json:"scriptedEnabled"`
	BundlePath        string   `json:"bundlePath,omitempty"` // local wa-js bundle
	CDNURLs           []string `json:"cdnUrls,omitempty"`    // tried in order when no local bundle
	AllowReload       bool     `json:"allowReload"`          // permit one page reload to install the bundle
	ReadyTimeoutSecs  int      `json:"readyTimeoutSeconds"`
	MinSendIntervalMs int      `json:"minSendIntervalMs"`
	TypingIndicator   bool     `json:"typingIndicator"`
}

// KernelConfig configures the OpenAI-compatible agent kernel client.
type KernelConfig struct {
	APIBase         string `json:"apiBase"`
	APIKey          string `json:"apiKey,omitempty"`
	Model           string `json:"model"`
	VisionModel     string `json:"visionModel,omitempty"`
	SystemPrompt    string `json:"systemPrompt,omitempty"`
	ImageModel      string `json:"imageModel"`
	SpeechModel     string `json:"speechModel"`
	SpeechVoice     string `json:"speechVoice"`
	TranscribeBase  string `json:"transcribeBase,omitempty"` // defaults to apiBase
	TranscribeKey   string `json:"transcribeKey,omitempty"`
	TranscribeModel string `json:"transcribeModel"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`
}

type DispatchConfig struct {
	ImageSize      string `json:"imageSize"`
	SpeechFormat   string `json:"speechFormat"`
	MaxDocChars    int    `json:"maxDocChars"`
	MediaDir       string `json:"mediaDir"`
	FormatMarkdown bool   `json:"formatMarkdown"`
}

type ReplyLogConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type SchedulerConfig struct {
	Enabled bool           `json:"enabled"`
	Jobs    []ScheduledJob `json:"jobs"`
}

// ScheduledJob runs Prompt through the kernel on Schedule and sends the
// answer to Chat. Replies containing SkipIfContains are dropped.
type ScheduledJob struct {
	ID             string `json:"id"`
	Schedule       string `json:"schedule"` // cron expression or @every 15m
	Prompt         string `json:"prompt"`
	Chat           string `json:"chat"`
	SkipIfContains string `json:"skipIfContains,omitempty"`
	Enabled        bool   `json:"enabled"`
}

// NotifyConfig configures operator alerts. Token and AdminIDs set up the
// Telegram bot; Slack and Discord post to channels. Any combination may be
// enabled at once.
type NotifyConfig struct {
	Enabled  bool             `json:"enabled"`
	Token    string           `json:"token,omitempty"`
	AdminIDs FlexStringList   `json:"adminIds"`
	Slack    ChatNotifyConfig `json:"slack"`
	Discord  ChatNotifyConfig `json:"discord"`
}

// ChatNotifyConfig is a bot token plus the channel IDs alerts are posted to.
type ChatNotifyConfig struct {
	Token    string         `json:"token,omitempty"`
	Channels FlexStringList `json:"channels"`
}

// FlexStringList is a []string that also accepts numbers and a bare scalar,
// so ["123", 456] and 123 are both valid.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		item, ok := flexItem(data)
		if !ok {
			return err
		}
		*f = FlexStringList{item}
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := flexItem(item); ok {
			result = append(result, s)
		} else {
			result = append(result, string(item))
		}
	}
	*f = result
	return nil
}

func flexItem(data json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, true
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		return strconv.FormatInt(int64(n), 10), true
	}
	return "", false
}

// MetricsConfig configures the Prometheus text endpoint and the live event
// feed served beside it. An empty EventsPath disables the feed.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	Listen     string `json:"listen"`
	Endpoint   string `json:"endpoint"`
	EventsPath string `json:"eventsPath,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.pocketagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pocketagent"
	}
	return filepath.Join(home, ".pocketagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	cfg.Browser.SelectorsFile = ExpandPath(cfg.Browser.SelectorsFile)
	cfg.Delivery.BundlePath = ExpandPath(cfg.Delivery.BundlePath)
	cfg.Dispatch.MediaDir = ExpandPath(cfg.Dispatch.MediaDir)
	cfg.ReplyLog.DBPath = ExpandPath(cfg.ReplyLog.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Browser.URL == "" {
		errs = append(errs, "browser.url is required")
	}
	if cfg.Browser.ProfileDir == "" {
		errs = append(errs, "browser.profileDir is required")
	}
	if cfg.Browser.ActionTimeoutSeconds < 1 || cfg.Browser.ActionTimeoutSeconds > 120 {
		errs = append(errs, "browser.actionTimeoutSeconds must be between 1 and 120")
	}

	if cfg.Scanner.PollIntervalMs < 200 {
		errs = append(errs, "scanner.pollIntervalMs must be >= 200")
	}
	if cfg.Scanner.LoginCheckIntervalMs < 500 {
		errs = append(errs, "scanner.loginCheckIntervalMs must be >= 500")
	}
	if cfg.Scanner.DedupCapacity < 2 {
		errs = append(errs, "scanner.dedupCapacity must be >= 2")
	}

	if cfg.Delivery.MinSendIntervalMs < 0 {
		errs = append(errs, "delivery.minSendIntervalMs must be >= 0")
	}

	if cfg.Kernel.APIBase == "" {
		errs = append(errs, "kernel.apiBase is required")
	}
	if cfg.Dispatch.MaxDocChars < 1 {
		errs = append(errs, "dispatch.maxDocChars must be >= 1")
	}

	if cfg.ReplyLog.Enabled && cfg.ReplyLog.DBPath == "" {
		errs = append(errs, "replyLog.dbPath is required when replyLog is enabled")
	}

	seen := make(map[string]bool)
	for i, job := range cfg.Scheduler.Jobs {
		if job.ID == "" {
			errs = append(errs, fmt.Sprintf("scheduler.jobs[%d].id is required", i))
		} else if seen[job.ID] {
			errs = append(errs, fmt.Sprintf("scheduler.jobs[%d]: duplicate id %q", i, job.ID))
		}
		seen[job.ID] = true
		if job.Schedule == "" || job.Prompt == "" || job.Chat == "" {
			errs = append(errs, fmt.Sprintf("scheduler.jobs[%d]: schedule, prompt and chat are required", i))
		}
	}

	if cfg.Notify.Enabled {
		n := cfg.Notify
		if n.Token == "" && n.Slack.Token == "" && n.Discord.Token == "" {
			errs = append(errs, "notify.token, notify.slack.token or notify.discord.token is required when notify is enabled")
		}
		if n.Token != "" && len(n.AdminIDs) == 0 {
			errs = append(errs, "notify.adminIds must list at least one chat ID")
		}
		if n.Slack.Token != "" && len(n.Slack.Channels) == 0 {
			errs = append(errs, "notify.slack.channels must list at least one channel ID")
		}
		if n.Discord.Token != "" && len(n.Discord.Channels) == 0 {
			errs = append(errs, "notify.discord.channels must list at least one channel ID")
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			errs = append(errs, "metrics.listen is required when metrics is enabled")
		}
		if p := cfg.Metrics.EventsPath; p != "" && (!strings.HasPrefix(p, "/") || p == cfg.Metrics.Endpoint) {
			errs = append(errs, "metrics.eventsPath must start with / and differ from metrics.endpoint")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
