package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.pocketagent",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			URL:                  "https://web.whatsapp.com",
			ProfileDir:           "~/.pocketagent/chrome-profile",
			Headless:             false,
			ActionTimeoutSeconds: 10,
		},
		Scanner: ScannerConfig{
			PollIntervalMs:       2000,
			LoginCheckIntervalMs: 5000,
			DedupCapacity:        1000,
			InputReadySeconds:    20,
		},
		Delivery: DeliveryConfig{
			ScriptedEnabled:   true,
			CDNURLs:           defaultCDNURLs(),
			AllowReload:       true,
			ReadyTimeoutSecs:  15,
			MinSendIntervalMs: 1000,
			TypingIndicator:   true,
		},
		Kernel: KernelConfig{
			APIBase:         "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			ImageModel:      "gpt-image-1",
			SpeechModel:     "tts-1",
			SpeechVoice:     "alloy",
			TranscribeModel: "whisper-1",
			TimeoutSeconds:  120,
		},
		Dispatch: DispatchConfig{
			ImageSize:      "1024x1024",
			SpeechFormat:   "mp3",
			MaxDocChars:    6000,
			MediaDir:       "~/.pocketagent/media",
			FormatMarkdown: true,
		},
		ReplyLog: ReplyLogConfig{
			Enabled:       true,
			DBPath:        "~/.pocketagent/replylog.db",
			RetentionDays: 30,
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     "127.0.0.1:9464",
			Endpoint:   "/metrics",
			EventsPath: "/events",
		},
	}
}

func defaultCDNURLs() []string {
	return []string{
		"https://github.com/wppconnect-team/wa-js/releases/latest/download/wppconnect-wa.js",
		"https://cdn.jsdelivr.net/npm/@wppconnect/wa-js@latest/dist/wppconnect-wa.js",
		"https://unpkg.com/@wppconnect/wa-js@latest/dist/wppconnect-wa.js",
	}
}
