package models

import (
	"time"

	"github.com/google/uuid"
)

// RawFinding is what an issuer hands to the dispatcher before deduplication.
type RawFinding struct {
	ID          string         `json:"id"`
	IssuerName  string         `json:"issuer_name"`
	IssueType   string         `json:"issue_type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Details     string         `json:"details,omitempty"`
	RawData     string         `json:"raw_data,omitempty"`
	Backtrace   string         `json:"backtrace,omitempty"`
	FilePath    string         `json:"file_path,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// ContentHash identifies the scanned content (e.g. a file body).
	ContentHash string `json:"content_hash,omitempty"`
	// LineCodeHash identifies one matched line within FilePath.
	LineCodeHash string `json:"line_code_hash,omitempty"`
	// Identity lists the values that define "the same underlying condition".
	// When empty the fingerprint falls back to file path, ip and title.
	Identity []string `json:"identity,omitempty"`

	// Domain and RedirectURL are set for redirect-target findings.
	Domain      string `json:"domain,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// NewFinding returns a finding with an id and detection time filled in.
func NewFinding(issuer, issueType string, severity Severity, title string) *RawFinding {
	return &RawFinding{
		ID:         uuid.NewString(),
		IssuerName: issuer,
		IssueType:  issueType,
		Severity:   severity,
		Title:      title,
		Metadata:   map[string]any{},
		DetectedAt: time.Now().UTC(),
	}
}

// SetMeta stores a metadata value, allocating the map if needed.
func (f *RawFinding) SetMeta(key string, value any) {
	if f.Metadata == nil {
		f.Metadata = make(map[string]any)
	}
	f.Metadata[key] = value
}
