package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func TestTeamsNotifierName(t *testing.T) {
	notifier := &TeamsNotifier{}
	if got := notifier.Name(); got != "teams" {
		t.Errorf("Name() = %q, want %q", got, "teams")
	}
	if err := notifier.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}

// cardFacts returns the fact set of a card as title -> value.
func cardFacts(t *testing.T, card adaptiveCard) map[string]string {
	t.Helper()
	facts, ok := card.Body[1].(factSet)
	if !ok {
		t.Fatalf("second body element = %T, want factSet", card.Body[1])
	}
	out := make(map[string]string, len(facts.Facts))
	for _, f := range facts.Facts {
		out[f.Title] = f.Value
	}
	return out
}

func cardFooter(t *testing.T, card adaptiveCard) string {
	t.Helper()
	tb, ok := card.Body[len(card.Body)-1].(textBlock)
	if !ok {
		t.Fatalf("last body element = %T, want textBlock", card.Body[len(card.Body)-1])
	}
	return tb.Text
}

func TestTeamsCardForIssues(t *testing.T) {
	tests := []struct {
		name      string
		msg       *Message
		facts     map[string]string
		absent    []string
		footer    string
		styleWant string
	}{
		{
			name: "first webshell detection",
			msg:  testMessage(),
			facts: map[string]string{
				"Detections":  "1",
				"First seen":  "2026-03-01 10:00:00 UTC",
				"Last seen":   "2026-03-01 10:00:00 UTC",
				"Fingerprint": "5d41402abc4b",
				"File":        "/var/www/wp-content/uploads/shell.php",
				"IP":          "203.0.113.7",
			},
			footer:    "_Issue #42_",
			styleWant: "attention",
		},
		{
			name: "recurring webshell",
			msg:  recurringMessage(),
			facts: map[string]string{
				"Detections": "4",
				"First seen": "2026-03-01 10:00:00 UTC",
				"Last seen":  "2026-03-01 13:00:00 UTC",
			},
			footer:    "_Issue #42 detected again, 4 detections so far_",
			styleWant: "attention",
		},
		{
			name: "brute force without file or fingerprint",
			msg: &Message{
				IssueID:        7,
				Title:          "Login burst from 198.51.100.4",
				Severity:       models.SeverityHigh,
				IssuerName:     "brute_force",
				IssueType:      "login_burst",
				IPAddress:      "198.51.100.4",
				DetectionCount: 12,
			},
			facts: map[string]string{
				"Issuer":     "brute_force",
				"Detections": "12",
				"First seen": "-",
				"IP":         "198.51.100.4",
			},
			absent:    []string{"File", "Fingerprint"},
			footer:    "_Issue #7_",
			styleWant: "warning",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := (&TeamsNotifier{}).buildPayload(tt.msg)
			if len(payload.Attachments) != 1 {
				t.Fatalf("attachments = %d, want 1", len(payload.Attachments))
			}
			card := payload.Attachments[0].Content
			if card.Type != "AdaptiveCard" || card.Version != "1.4" {
				t.Errorf("card = %s %s", card.Type, card.Version)
			}

			head, ok := card.Body[0].(container)
			if !ok || head.Style != tt.styleWant {
				t.Errorf("header container = %+v, want style %q", card.Body[0], tt.styleWant)
			}

			facts := cardFacts(t, card)
			for title, want := range tt.facts {
				if facts[title] != want {
					t.Errorf("fact %q = %q, want %q", title, facts[title], want)
				}
			}
			for _, title := range tt.absent {
				if _, ok := facts[title]; ok {
					t.Errorf("fact %q should be absent", title)
				}
			}

			if got := cardFooter(t, card); got != tt.footer {
				t.Errorf("footer = %q, want %q", got, tt.footer)
			}
		})
	}
}

func TestTeamsNotifierSend(t *testing.T) {
	var received teamsMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			t.Errorf("failed to unmarshal payload: %v", err)
		}
		if raw["type"] != "message" {
			t.Errorf("payload type = %v, want message", raw["type"])
		}
		if !strings.Contains(string(body), "detected again, 4 detections so far") {
			t.Errorf("payload missing recurrence footer: %s", body)
		}
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier := &TeamsNotifier{
		config:     TeamsConfig{WebhookURL: server.URL},
		httpClient: server.Client(),
	}

	if err := notifier.Send(context.Background(), recurringMessage()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(received.Attachments) != 1 || received.Attachments[0].ContentType != "application/vnd.microsoft.card.adaptive" {
		t.Errorf("attachments = %+v", received.Attachments)
	}
}

func TestTeamsNotifierHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad card"))
	}))
	defer server.Close()

	notifier := &TeamsNotifier{
		config:     TeamsConfig{WebhookURL: server.URL},
		httpClient: server.Client(),
	}

	err := notifier.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if !strings.Contains(err.Error(), "teams API error: status 400") {
		t.Errorf("unexpected error %q", err.Error())
	}
}

func TestTeamsSeverityStyle(t *testing.T) {
	for severity, want := range map[models.Severity]string{
		models.SeverityCritical: "attention",
		models.SeverityHigh:     "warning",
		models.SeverityMedium:   "accent",
		models.SeverityLow:      "good",
		"unknown":               "default",
	} {
		if got := teamsSeverityStyle(severity); got != want {
			t.Errorf("teamsSeverityStyle(%q) = %q, want %q", severity, got, want)
		}
	}
}

func TestNewTeamsNotifierValidation(t *testing.T) {
	for url, wantErr := range map[string]bool{
		"":                                       true,
		"http://example.com/webhook":             true,
		"https://outlook.office.com/webhook/xxx": false,
	} {
		_, err := NewTeamsNotifier(TeamsConfig{WebhookURL: url})
		if (err != nil) != wantErr {
			t.Errorf("NewTeamsNotifier(%q) error = %v, wantErr %v", url, err, wantErr)
		}
	}
}
