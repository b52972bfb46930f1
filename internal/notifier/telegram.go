package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds Telegram Bot API configuration.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	APIURL   string        `yaml:"api_url"` // Bot API base URL (default: https://api.telegram.org)
	Timeout  time.Duration `yaml:"timeout"`
}

// Validate validates the Telegram configuration.
func (c *TelegramConfig) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("bot token is required")
	}
	if c.ChatID == "" {
		return fmt.Errorf("chat ID is required")
	}
	return nil
}

// TelegramNotifier sends issues to a Telegram chat through a bot.
type TelegramNotifier struct {
	config     TelegramConfig
	httpClient *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier.
func NewTelegramNotifier(config TelegramConfig) (*TelegramNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telegram config: %w", err)
	}
	if config.APIURL == "" {
		config.APIURL = defaultTelegramAPI
	}

	return &TelegramNotifier{
		config:     config,
		httpClient: newHTTPClient(config.Timeout),
	}, nil
}

// Name returns "telegram".
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts the message via sendMessage.
func (t *TelegramNotifier) Send(ctx context.Context, msg *Message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.config.APIURL, "/"), t.config.BotToken)
	payload := telegramMessage{
		ChatID:                t.config.ChatID,
		Text:                  t.buildText(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	err := postJSON(ctx, t.httpClient, url, payload, nil, "telegram")
	if err != nil {
		// The request URL carries the bot token.
		return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), t.config.BotToken, "***"))
	}
	return nil
}

// Close is a no-op for Telegram notifier.
func (t *TelegramNotifier) Close() error {
	return nil
}

// buildText renders the Telegram HTML body. Telegram messages cap at 4096 chars.
func (t *TelegramNotifier) buildText(msg *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", severityEmoji(msg.Severity), htmlEscape(msg.Title))
	fmt.Fprintf(&b, "Severity: <b>%s</b>\n", strings.ToUpper(string(msg.Severity)))
	fmt.Fprintf(&b, "Issuer: %s / %s\n", htmlEscape(msg.IssuerName), htmlEscape(msg.IssueType))
	fmt.Fprintf(&b, "Detections: %d\n", msg.DetectionCount)
	if msg.FilePath != "" {
		fmt.Fprintf(&b, "File: <code>%s</code>\n", htmlEscape(msg.FilePath))
	}
	if msg.IPAddress != "" {
		fmt.Fprintf(&b, "IP: <code>%s</code>\n", htmlEscape(msg.IPAddress))
	}
	if msg.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", htmlEscape(truncate(msg.Description, 3000)))
	}
	fmt.Fprintf(&b, "\n<i>Issue #%d", msg.IssueID)
	if msg.Recurring {
		b.WriteString(", detected again")
	}
	b.WriteString("</i>")
	return b.String()
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}
