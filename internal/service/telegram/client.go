package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zhouzirui/intergram/backend/internal/model/channel"
)

// Options configures the bot client.
type Options struct {
	Token       string
	APIEndpoint string
	Timeout     time.Duration
}

// Client sends messages to Telegram chats through the Bot API.
type Client struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewClient authenticates the bot token against the Bot API.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}

	logger = logger.With("component", "telegram")
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Client{bot: bot, logger: logger}, nil
}

// Username returns the bot's username.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// Send posts msg to its chat. Numeric chat ids address chats directly,
// anything else is treated as a channel username such as "@operators".
func (c *Client) Send(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var cfg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(msg.ChatID, 10, 64); err == nil {
		cfg = tgbotapi.NewMessage(id, msg.Text)
	} else {
		cfg = tgbotapi.NewMessageToChannel(msg.ChatID, msg.Text)
	}
	cfg.ParseMode = msg.ParseMode
	cfg.DisableWebPagePreview = true

	if _, err := c.bot.Send(cfg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// EnsureWebhook points the bot's webhook at url with secretToken. The call is
// skipped only when url is already registered and no secret is configured.
func (c *Client) EnsureWebhook(ctx context.Context, url, secretToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := c.bot.GetWebhookInfo()
	if err != nil {
		return fmt.Errorf("telegram getWebhookInfo: %w", err)
	}
	// getWebhookInfo does not report the secret token, so a configured
	// secret is always re-sent.
	if info.URL == url && secretToken == "" {
		c.logger.Info("webhook already registered", "url", url)
		return nil
	}

	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secretToken)
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram setWebhook: %w", err)
	}

	c.logger.Info("webhook registered", "url", url, "previous", info.URL)
	return nil
}
