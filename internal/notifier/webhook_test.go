package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"empty", "", true},
		{"no host", "https://", true},
		{"bad scheme", "ftp://example.com/hook", true},
		{"https", "https://example.com/hook", false},
		{"http", "http://10.0.0.5:8080/hook", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := WebhookConfig{URL: tt.url}
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestWebhookNotifierSendSigned(t *testing.T) {
	var (
		body      []byte
		signature string
		custom    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		custom = r.Header.Get("X-Tenant")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{
		URL:     server.URL,
		Secret:  "s3cret",
		Headers: map[string]string{"X-Tenant": "shop-1"},
	})
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}

	if err := notifier.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if signature != "sha256="+Sign("s3cret", body) {
		t.Errorf("signature = %q does not match body", signature)
	}
	if custom != "shop-1" {
		t.Errorf("custom header = %q", custom)
	}

	var payload struct {
		Event string  `json:"event"`
		Issue Message `json:"issue"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Event != "issue" || payload.Issue.IssueID != 42 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestWebhookNotifierUnsigned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("unexpected signature header without secret")
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	err = notifier.Send(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("Send() error = %v, want status 502", err)
	}
}
