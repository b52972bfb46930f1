// Package notifier provides the delivery channels issue notifications are
// sent through.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// Notifier is the interface for all notification channels.
type Notifier interface {
	// Name returns the channel name (e.g., "email", "slack").
	Name() string
	// Send delivers one message. Implementations bound their own network time.
	Send(ctx context.Context, msg *Message) error
	// Close releases any resources.
	Close() error
}

// ErrRateLimited is returned when a channel's send window is full.
var ErrRateLimited = errors.New("notification rate limited")

// ErrUnknownChannel is returned for a channel name with no registered notifier.
var ErrUnknownChannel = errors.New("unknown notification channel")

// Message is the rendered content of one notification.
type Message struct {
	IssueID        int64           `json:"issue_id"`
	IssueHash      string          `json:"issue_hash,omitempty"`
	Title          string          `json:"title"`
	Severity       models.Severity `json:"severity"`
	IssuerName     string          `json:"issuer_name"`
	IssueType      string          `json:"issue_type"`
	Description    string          `json:"description,omitempty"`
	FilePath       string          `json:"file_path,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	DetectionCount int64           `json:"detection_count"`
	FirstDetected  time.Time       `json:"first_detected"`
	LastDetected   time.Time       `json:"last_detected"`
	// Text is the plain-text body stored on the notification row.
	Text string `json:"text"`
	// Recurring is true when a previously viewed issue was detected again.
	Recurring bool `json:"recurring,omitempty"`
}

// NewMessage builds the message for an issue.
func NewMessage(issue *models.Issue, recurring bool) *Message {
	return &Message{
		IssueID:        issue.ID,
		IssueHash:      issue.IssueHash,
		Title:          issue.Title,
		Severity:       issue.Severity,
		IssuerName:     issue.IssuerName,
		IssueType:      issue.IssueType,
		Description:    issue.Description,
		FilePath:       issue.FilePath,
		IPAddress:      issue.IPAddress,
		DetectionCount: issue.DetectionCount,
		FirstDetected:  issue.FirstDetected,
		LastDetected:   issue.LastDetected,
		Recurring:      recurring,
	}
}

// Context flattens the message into the map stored on a notification row.
func (m *Message) Context() map[string]any {
	return map[string]any{
		"issue_id":        m.IssueID,
		"issue_hash":      m.IssueHash,
		"title":           m.Title,
		"severity":        string(m.Severity),
		"issuer_name":     m.IssuerName,
		"issue_type":      m.IssueType,
		"description":     m.Description,
		"file_path":       m.FilePath,
		"ip_address":      m.IPAddress,
		"detection_count": m.DetectionCount,
		"first_detected":  m.FirstDetected.UTC().Format(time.RFC3339),
		"last_detected":   m.LastDetected.UTC().Format(time.RFC3339),
		"recurring":       m.Recurring,
	}
}

// MessageFromNotification rebuilds a message from a stored row. Context
// values may have been through JSON, so numbers arrive as float64.
func MessageFromNotification(n *models.Notification) *Message {
	c := n.Context
	m := &Message{
		IssueID:        n.IssueID,
		IssueHash:      str(c, "issue_hash"),
		Title:          str(c, "title"),
		Severity:       models.Severity(str(c, "severity")),
		IssuerName:     str(c, "issuer_name"),
		IssueType:      str(c, "issue_type"),
		Description:    str(c, "description"),
		FilePath:       str(c, "file_path"),
		IPAddress:      str(c, "ip_address"),
		DetectionCount: num(c, "detection_count"),
		Text:           n.Message,
	}
	if b, ok := c["recurring"].(bool); ok {
		m.Recurring = b
	}
	if t, err := time.Parse(time.RFC3339, str(c, "first_detected")); err == nil {
		m.FirstDetected = t
	}
	if t, err := time.Parse(time.RFC3339, str(c, "last_detected")); err == nil {
		m.LastDetected = t
	}
	if m.Title == "" {
		m.Title = fmt.Sprintf("Issue #%d", n.IssueID)
	}
	return m
}

// headline is the one-line summary used as chat fallback text.
func headline(m *Message) string {
	s := fmt.Sprintf("[%s] %s", strings.ToUpper(string(m.Severity)), m.Title)
	if m.Recurring {
		s += " (detected again)"
	}
	return s
}

// shortHash abbreviates an issue fingerprint for chat footers.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Registry manages the configured notifiers and their send windows.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	limiters  map[string]*RateLimiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		notifiers: make(map[string]Notifier),
		limiters:  make(map[string]*RateLimiter),
	}
}

// Register adds a notifier. A disabled rate limit config means no window.
func (r *Registry) Register(n Notifier, limit RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Name()] = n
	r.limiters[n.Name()] = NewRateLimiter(limit)
}

// Unregister removes a notifier.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifiers, name)
	delete(r.limiters, name)
}

// Get returns a notifier by name.
func (r *Registry) Get(name string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[name]
	return n, ok
}

// Names returns the registered channel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.notifiers))
	for name := range r.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allow takes a slot in the channel's send window.
func (r *Registry) Allow(name string) bool {
	r.mu.RLock()
	l := r.limiters[name]
	r.mu.RUnlock()
	if l == nil {
		return true
	}
	return l.Allow()
}

// Release refunds a slot taken by Allow when no send happened.
func (r *Registry) Release(name string) {
	r.mu.RLock()
	l := r.limiters[name]
	r.mu.RUnlock()
	if l != nil {
		l.Release()
	}
}

// Send delivers msg through the named channel, respecting its window.
// A failed send gives its slot back.
func (r *Registry) Send(ctx context.Context, name string, msg *Message) error {
	n, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if !r.Allow(name) {
		return ErrRateLimited
	}
	if err := n.Send(ctx, msg); err != nil {
		r.Release(name)
		return err
	}
	return nil
}

// RateLimitStats returns send window statistics per channel.
func (r *Registry) RateLimitStats() map[string]RateLimitStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RateLimitStats, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Stats()
	}
	return out
}

// Close closes all registered notifiers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, n := range r.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	r.notifiers = make(map[string]Notifier)
	r.limiters = make(map[string]*RateLimiter)

	return errors.Join(errs...)
}
