package notifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-BlazeGuard-Signature"

// WebhookConfig holds generic JSON webhook configuration.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Secret, when set, signs each body into SignatureHeader.
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the webhook configuration.
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook URL %q", c.URL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webhook URL must be http or https")
	}
	return nil
}

// WebhookNotifier posts the issue as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookNotifier creates a new webhook notifier.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	return &WebhookNotifier{
		config:     config,
		httpClient: newHTTPClient(config.Timeout),
	}, nil
}

// Name returns "webhook".
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

type webhookPayload struct {
	Event   string    `json:"event"`
	SentAt  time.Time `json:"sent_at"`
	Message *Message  `json:"issue"`
}

// Send posts the message.
func (w *WebhookNotifier) Send(ctx context.Context, msg *Message) error {
	sentAt := time.Now().UTC()
	body, err := json.Marshal(webhookPayload{Event: "issue", SentAt: sentAt, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	headers := make(map[string]string, len(w.config.Headers)+2)
	for k, v := range w.config.Headers {
		headers[k] = v
	}
	headers["X-BlazeGuard-Timestamp"] = strconv.FormatInt(sentAt.Unix(), 10)
	if w.config.Secret != "" {
		headers[SignatureHeader] = "sha256=" + Sign(w.config.Secret, body)
	}

	return postBody(ctx, w.httpClient, w.config.URL, body, headers, "webhook")
}

// Close is a no-op for webhook notifier.
func (w *WebhookNotifier) Close() error {
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
