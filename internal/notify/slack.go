package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// Slack posts alerts to channels with a bot token.
type Slack struct {
	client   *slack.Client
	channels []string
	logger   *slog.Logger
}

type SlackConfig struct {
	Token    string
	Channels []string
	APIURL   string // defaults to the public Web API
	Client   *http.Client
	Logger   *slog.Logger
}

// NewSlack checks the token with auth.test before returning.
func NewSlack(ctx context.Context, cfg SlackConfig) (*Slack, error) {
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
		return nil, fmt.Errorf("slack notifier: no channels")
	}

	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	if cfg.Client != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.Client))
	}
	client := slack.New(cfg.Token, opts...)

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	logger := cfg.Logger.With("component", "notify")
	logger.Info("slack notifier connected", "user", auth.User, "team", auth.Team, "channels", len(channels))

	return &Slack{client: client, channels: channels, logger: logger}, nil
}

// Notify posts text to every channel.
func (s *Slack) Notify(ctx context.Context, text string) error {
	return eachTarget(s.channels, func(ch string) error {
		for _, chunk := range splitMessage(text, slackMaxMsgLen) {
			if _, _, err := s.client.PostMessageContext(ctx, ch, slack.MsgOptionText(chunk, false)); err != nil {
				s.logger.Error("slack send failed", "channel", ch, "err", err)
				return fmt.Errorf("slack channel %s: %w", ch, err)
			}
		}
		return nil
	})
}
