package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord posts alerts to channels through the REST API. It never opens a
// gateway connection.
type Discord struct {
	session  *discordgo.Session
	channels []string
	logger   *slog.Logger
}

type DiscordConfig struct {
	Token    string
	Channels []string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var channels []string
	for _, c := range cfg.Channels {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("discord notifier: no channels")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if cfg.Client != nil {
		session.Client = cfg.Client
	}
	return &Discord{
		session:  session,
		channels: channels,
		logger:   cfg.Logger.With("component", "notify"),
	}, nil
}

// Notify posts text to every channel.
func (d *Discord) Notify(ctx context.Context, text string) error {
	return eachTarget(d.channels, func(ch string) error {
		for _, chunk := range splitMessage(text, discordMaxMsgLen) {
			if _, err := d.session.ChannelMessageSend(ch, chunk, discordgo.WithContext(ctx)); err != nil {
				d.logger.Error("discord send failed", "channel", ch, "err", err)
				return fmt.Errorf("discord channel %s: %w", ch, err)
			}
		}
		return nil
	})
}
