package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// TeamsConfig holds Microsoft Teams webhook configuration.
type TeamsConfig struct {
	WebhookURL string        `yaml:"webhook_url"` // Teams incoming webhook URL
	Timeout    time.Duration `yaml:"timeout"`
}

// Validate validates the Teams configuration.
func (c *TeamsConfig) Validate() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook URL must use HTTPS")
	}
	return nil
}

// TeamsNotifier sends issues to Microsoft Teams via webhook.
type TeamsNotifier struct {
	config     TeamsConfig
	httpClient *http.Client
}

// NewTeamsNotifier creates a new Teams notifier.
func NewTeamsNotifier(config TeamsConfig) (*TeamsNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid teams config: %w", err)
	}

	return &TeamsNotifier{
		config:     config,
		httpClient: newHTTPClient(config.Timeout),
	}, nil
}

// Name returns "teams".
func (t *TeamsNotifier) Name() string {
	return "teams"
}

// Send sends a message to Microsoft Teams.
func (t *TeamsNotifier) Send(ctx context.Context, msg *Message) error {
	return postJSON(ctx, t.httpClient, t.config.WebhookURL, t.buildPayload(msg), nil, "teams")
}

// Close is a no-op for Teams notifier.
func (t *TeamsNotifier) Close() error {
	return nil
}

// teamsMessage represents the Teams webhook payload with Adaptive Card.
type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

// teamsAttachment represents an attachment in the Teams message.
type teamsAttachment struct {
	ContentType string       `json:"contentType"`
	ContentURL  *string      `json:"contentUrl"`
	Content     adaptiveCard `json:"content"`
}

// adaptiveCard represents a Microsoft Adaptive Card.
type adaptiveCard struct {
	Schema  string `json:"$schema"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Body    []any  `json:"body"`
}

// Adaptive Card element types
type textBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Size   string `json:"size,omitempty"`
	Weight string `json:"weight,omitempty"`
	Color  string `json:"color,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
}

type factSet struct {
	Type  string `json:"type"`
	Facts []fact `json:"facts"`
}

type fact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type container struct {
	Type  string `json:"type"`
	Style string `json:"style,omitempty"`
	Items []any  `json:"items"`
}

// buildPayload builds the Teams Adaptive Card message payload.
func (t *TeamsNotifier) buildPayload(msg *Message) teamsMessage {
	emoji := severityEmoji(msg.Severity)

	body := []any{
		container{
			Type:  "Container",
			Style: teamsSeverityStyle(msg.Severity),
			Items: []any{
				textBlock{
					Type:   "TextBlock",
					Text:   fmt.Sprintf("%s %s", emoji, msg.Title),
					Size:   "Large",
					Weight: "Bolder",
					Wrap:   true,
				},
			},
		},
	}

	facts := []fact{
		{Title: "Severity", Value: fmt.Sprintf("%s %s", emoji, strings.ToUpper(string(msg.Severity)))},
		{Title: "Issuer", Value: msg.IssuerName},
		{Title: "Type", Value: msg.IssueType},
		{Title: "Detections", Value: fmt.Sprintf("%d", msg.DetectionCount)},
		{Title: "First seen", Value: formatTime(msg.FirstDetected)},
		{Title: "Last seen", Value: formatTime(msg.LastDetected)},
	}
	if msg.IssueHash != "" {
		facts = append(facts, fact{Title: "Fingerprint", Value: shortHash(msg.IssueHash)})
	}
	if msg.FilePath != "" {
		facts = append(facts, fact{Title: "File", Value: msg.FilePath})
	}
	if msg.IPAddress != "" {
		facts = append(facts, fact{Title: "IP", Value: msg.IPAddress})
	}
	body = append(body, factSet{Type: "FactSet", Facts: facts})

	if msg.Description != "" {
		body = append(body, textBlock{
			Type: "TextBlock",
			Text: truncate(msg.Description, 2000),
			Wrap: true,
		})
	}

	footer := fmt.Sprintf("_Issue #%d_", msg.IssueID)
	if msg.Recurring {
		footer = fmt.Sprintf("_Issue #%d detected again, %d detections so far_", msg.IssueID, msg.DetectionCount)
	}
	body = append(body, textBlock{
		Type:  "TextBlock",
		Text:  footer,
		Wrap:  true,
		Color: "light",
	})

	return teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{
			{
				ContentType: "application/vnd.microsoft.card.adaptive",
				ContentURL:  nil,
				Content: adaptiveCard{
					Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
					Type:    "AdaptiveCard",
					Version: "1.4",
					Body:    body,
				},
			},
		},
	}
}

// teamsSeverityStyle returns an Adaptive Card container style for the severity level.
func teamsSeverityStyle(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "attention" // red
	case models.SeverityHigh:
		return "warning" // orange/yellow
	case models.SeverityMedium:
		return "accent" // blue
	case models.SeverityLow:
		return "good" // green
	default:
		return "default"
	}
}
