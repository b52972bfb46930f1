// Package events defines the typed host events the detection pipeline
// subscribes to, and the bus that delivers them.
package events

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// Kind identifies an event variant.
type Kind string

const (
	KindPHPError           Kind = "php_error"
	KindSlowRequest        Kind = "slow_request"
	KindMaliciousUpload    Kind = "malicious_upload"
	KindAdminActivity      Kind = "admin_activity"
	KindFailedLogin        Kind = "failed_login"
	KindSuspiciousRedirect Kind = "suspicious_redirect"
	KindUserRegistration   Kind = "user_registration"
)

// Common holds the fields every event carries.
type Common struct {
	Severity  models.Severity `json:"severity,omitempty"`
	Message   string          `json:"message,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	Backtrace string          `json:"backtrace,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (c *Common) header() *Common { return c }

// Event is one of the variants declared in this package. Every variant embeds
// Common; decoding goes through the kind registry, so only registered kinds
// reach subscribers.
type Event interface {
	Kind() Kind
	// ToFinding converts the event into the default finding for issuer.
	ToFinding(issuer string) *models.RawFinding
	header() *Common
}

// Header returns the common fields of ev.
func Header(ev Event) *Common {
	return ev.header()
}

func (c *Common) finding(issuer, issueType string, fallback models.Severity, title string) *models.RawFinding {
	sev := c.Severity
	if !sev.IsValid() {
		sev = fallback
	}
	f := models.NewFinding(issuer, issueType, sev, title)
	f.Description = c.Message
	f.IPAddress = c.IPAddress
	f.UserAgent = c.UserAgent
	f.Backtrace = c.Backtrace
	if !c.Timestamp.IsZero() {
		f.DetectedAt = c.Timestamp.UTC()
	}
	return f
}

// PHPError is a PHP error raised while serving a request.
type PHPError struct {
	Common
	ErrorType string `json:"error_type"` // fatal, parse, warning, notice, deprecated
	File      string `json:"file"`
	Line      int    `json:"line"`
	Code      string `json:"code,omitempty"`
}

func (e *PHPError) Kind() Kind { return KindPHPError }

func (e *PHPError) ToFinding(issuer string) *models.RawFinding {
	errType := strings.ToLower(e.ErrorType)
	if errType == "" {
		errType = "error"
	}
	sev := models.SeverityMedium
	switch errType {
	case "fatal", "parse":
		sev = models.SeverityHigh
	case "notice", "deprecated":
		sev = models.SeverityLow
	}

	f := e.finding(issuer, "php_"+errType, sev, fmt.Sprintf("PHP %s in %s", errType, e.File))
	f.FilePath = e.File
	f.Details = e.Code
	f.Identity = []string{e.File, strconv.Itoa(e.Line), e.Message}
	if e.File != "" {
		f.LineCodeHash = fingerprint.LineCodeHash(e.File, e.Line, e.Code)
	}
	f.SetMeta("line", e.Line)
	return f
}

// SlowRequest is a request that exceeded the host's latency threshold.
type SlowRequest struct {
	Common
	Method     string `json:"method"`
	URL        string `json:"url"`
	DurationMS int64  `json:"duration_ms"`
	QueryCount int    `json:"query_count,omitempty"`
}

func (e *SlowRequest) Kind() Kind { return KindSlowRequest }

func (e *SlowRequest) ToFinding(issuer string) *models.RawFinding {
	path := e.URL
	if u, err := url.Parse(e.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	f := e.finding(issuer, "slow_request", models.SeverityLow,
		fmt.Sprintf("Slow request %s %s", e.Method, path))
	f.RawData = e.URL
	f.Identity = []string{e.Method, path}
	f.SetMeta("duration_ms", e.DurationMS)
	if e.QueryCount > 0 {
		f.SetMeta("query_count", e.QueryCount)
	}
	return f
}

// MaliciousUpload is a file upload the host flagged.
type MaliciousUpload struct {
	Common
	FilePath string `json:"file_path"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (e *MaliciousUpload) Kind() Kind { return KindMaliciousUpload }

func (e *MaliciousUpload) ToFinding(issuer string) *models.RawFinding {
	name := e.FileName
	if name == "" {
		name = e.FilePath
	}
	f := e.finding(issuer, "malicious_upload", models.SeverityHigh, "Suspicious upload "+name)
	f.FilePath = e.FilePath
	f.Details = e.Reason
	f.Identity = []string{e.FilePath}
	if e.MimeType != "" {
		f.SetMeta("mime_type", e.MimeType)
	}
	if e.Size > 0 {
		f.SetMeta("size", e.Size)
	}
	return f
}

// AdminActivity is a privileged action performed in the CMS.
type AdminActivity struct {
	Common
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Action   string `json:"action"`
	Object   string `json:"object,omitempty"`
}

func (e *AdminActivity) Kind() Kind { return KindAdminActivity }

func (e *AdminActivity) ToFinding(issuer string) *models.RawFinding {
	f := e.finding(issuer, "admin_"+e.Action, models.SeverityMedium,
		fmt.Sprintf("Admin %s performed %s", e.Username, e.Action))
	f.Identity = []string{e.UserID, e.Action, e.Object}
	f.SetMeta("username", e.Username)
	if e.Object != "" {
		f.SetMeta("object", e.Object)
	}
	return f
}

// FailedLogin is a rejected authentication attempt.
type FailedLogin struct {
	Common
	Username string `json:"username"`
}

func (e *FailedLogin) Kind() Kind { return KindFailedLogin }

func (e *FailedLogin) ToFinding(issuer string) *models.RawFinding {
	f := e.finding(issuer, "failed_login", models.SeverityMedium,
		fmt.Sprintf("Failed login for %q from %s", e.Username, e.IPAddress))
	f.Identity = []string{e.IPAddress, e.Username}
	f.SetMeta("username", e.Username)
	return f
}

// SuspiciousRedirect is a response redirecting to another host.
type SuspiciousRedirect struct {
	Common
	SourceURL   string `json:"source_url"`
	RedirectURL string `json:"redirect_url"`
}

func (e *SuspiciousRedirect) Kind() Kind { return KindSuspiciousRedirect }

func (e *SuspiciousRedirect) ToFinding(issuer string) *models.RawFinding {
	host := e.RedirectURL
	if u, err := url.Parse(e.RedirectURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	f := e.finding(issuer, "external_redirect", models.SeverityMedium, "Redirect to "+host)
	f.RedirectURL = e.RedirectURL
	f.RawData = e.SourceURL
	f.Identity = []string{e.SourceURL, host}
	return f
}

// UserRegistration is a newly created CMS account.
type UserRegistration struct {
	Common
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (e *UserRegistration) Kind() Kind { return KindUserRegistration }

func (e *UserRegistration) ToFinding(issuer string) *models.RawFinding {
	sev := models.SeverityLow
	if r := strings.ToLower(e.Role); r == "administrator" || r == "admin" {
		sev = models.SeverityHigh
	}
	f := e.finding(issuer, "user_registration", sev,
		fmt.Sprintf("New user %s registered", e.Username))
	f.Identity = []string{e.UserID}
	f.SetMeta("username", e.Username)
	if e.Role != "" {
		f.SetMeta("role", e.Role)
	}
	return f
}
