package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"` // 465 uses implicit TLS, anything else upgrades with STARTTLS when offered
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	From          string        `yaml:"from"` // "Name <addr>" or a bare address
	Recipients    []string      `yaml:"recipients"`
	SubjectPrefix string        `yaml:"subject_prefix"` // default: BlazeGuard
	Timeout       time.Duration `yaml:"timeout"`        // whole SMTP session (default: 30s)
}

// Validate validates the email configuration.
func (c *EmailConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("SMTP port is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid SMTP port %d", c.Port)
	}
	if c.From == "" {
		return fmt.Errorf("from address is required")
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		return fmt.Errorf("invalid from address %q: %w", c.From, err)
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	for _, r := range c.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", r, err)
		}
	}
	return nil
}

// EmailNotifier mails issue notifications. Every message about one issue
// fingerprint shares a thread id, so recurrences group in mail clients.
type EmailNotifier struct {
	config    EmailConfig
	from      *mail.Address
	to        []*mail.Address
	domain    string // right-hand side of generated Message-IDs
	templates *Templates
	now       func() time.Time
}

// NewEmailNotifier creates a new email notifier.
func NewEmailNotifier(config EmailConfig) (*EmailNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid email config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "BlazeGuard"
	}

	templates, err := LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	from, _ := mail.ParseAddress(config.From)
	to := make([]*mail.Address, 0, len(config.Recipients))
	for _, r := range config.Recipients {
		addr, _ := mail.ParseAddress(r)
		to = append(to, addr)
	}

	domain := config.Host
	if at := strings.LastIndex(from.Address, "@"); at >= 0 {
		domain = from.Address[at+1:]
	}

	return &EmailNotifier{
		config:    config,
		from:      from,
		to:        to,
		domain:    domain,
		templates: templates,
		now:       time.Now,
	}, nil
}

// Name returns "email".
func (e *EmailNotifier) Name() string {
	return "email"
}

// Send mails the issue to every configured recipient in one SMTP session.
func (e *EmailNotifier) Send(ctx context.Context, m *Message) error {
	msg, err := e.compose(m)
	if err != nil {
		return err
	}
	return e.deliver(ctx, msg)
}

// Close is a no-op; every Send opens its own session.
func (e *EmailNotifier) Close() error {
	return nil
}

// subject reads "[HIGH] BlazeGuard #42 uploads: title". Recurrences carry
// the running detection count.
func (e *EmailNotifier) subject(m *Message) string {
	s := fmt.Sprintf("[%s] %s #%d %s: %s",
		strings.ToUpper(string(m.Severity)), e.config.SubjectPrefix, m.IssueID, m.IssuerName, m.Title)
	if m.Recurring {
		s += fmt.Sprintf(" (detected again, %d total)", m.DetectionCount)
	}
	return sanitizeHeader(s)
}

// threadID is the Message-ID of the first mail about an issue.
func (e *EmailNotifier) threadID(m *Message) string {
	key := m.IssueHash
	if key == "" {
		key = strconv.FormatInt(m.IssueID, 10)
	}
	return fmt.Sprintf("<issue-%s@%s>", sanitizeHeader(key), e.domain)
}

type header struct {
	key   string
	value string
}

func (e *EmailNotifier) headers(m *Message, boundary string) []header {
	to := make([]string, len(e.to))
	for i, a := range e.to {
		to[i] = a.String()
	}

	hs := []header{
		{"From", e.from.String()},
		{"To", strings.Join(to, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", e.subject(m))},
		{"Date", e.now().Format(time.RFC1123Z)},
	}

	thread := e.threadID(m)
	if m.Recurring || m.DetectionCount > 1 {
		id := fmt.Sprintf("<issue-%d.%d.%d@%s>", m.IssueID, m.DetectionCount, e.now().UnixNano(), e.domain)
		hs = append(hs,
			header{"Message-ID", id},
			header{"In-Reply-To", thread},
			header{"References", thread},
		)
	} else {
		hs = append(hs, header{"Message-ID", thread})
	}

	switch m.Severity {
	case models.SeverityCritical:
		hs = append(hs, header{"X-Priority", "1 (Highest)"})
	case models.SeverityHigh:
		hs = append(hs, header{"X-Priority", "2 (High)"})
	}

	hs = append(hs,
		header{"X-BlazeGuard-Issue", strconv.FormatInt(m.IssueID, 10)},
		header{"X-BlazeGuard-Issuer", m.IssuerName + "/" + m.IssueType},
		header{"X-BlazeGuard-Severity", string(m.Severity)},
		header{"X-BlazeGuard-Detections", strconv.FormatInt(m.DetectionCount, 10)},
	)
	if m.IssueHash != "" {
		hs = append(hs, header{"X-BlazeGuard-Fingerprint", m.IssueHash})
	}
	if m.FilePath != "" {
		hs = append(hs, header{"X-BlazeGuard-File", m.FilePath})
	}
	if m.IPAddress != "" {
		hs = append(hs, header{"X-BlazeGuard-Source-IP", m.IPAddress})
	}

	return append(hs,
		header{"MIME-Version", "1.0"},
		header{"Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary)},
	)
}

// compose renders the issue into a multipart/alternative message with a
// plain and an HTML part, both quoted-printable.
func (e *EmailNotifier) compose(m *Message) ([]byte, error) {
	data := MessageToTemplateData(m)
	plain, err := e.templates.RenderPlain(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to render plain template: %w", err)
	}
	html, err := e.templates.RenderHTML(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}

	var body bytes.Buffer
	parts := multipart.NewWriter(&body)
	for _, p := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", plain},
		{"text/html; charset=UTF-8", html},
	} {
		w, err := parts.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(p.content)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := parts.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	for _, h := range e.headers(m, parts.Boundary()) {
		fmt.Fprintf(&msg, "%s: %s\r\n", h.key, sanitizeHeader(h.value))
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func (e *EmailNotifier) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	client, err := e.open(ctx, addr)
	if err != nil {
		return fmt.Errorf("connect to SMTP server %s: %w", addr, err)
	}
	defer client.Close()

	if e.config.Username != "" && e.config.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(e.from.Address); err != nil {
		return fmt.Errorf("MAIL FROM %s: %w", e.from.Address, err)
	}
	for _, rcpt := range e.to {
		if err := client.Rcpt(rcpt.Address); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt.Address, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return client.Quit()
}

// open dials the server and returns a client, encrypted when the server
// allows it. net/smtp has no context support, so the whole session gets a
// connection deadline instead.
func (e *EmailNotifier) open(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: e.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(e.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{ServerName: e.config.Host, MinVersion: tls.VersionTLS12}
	implicitTLS := e.config.Port == 465
	if implicitTLS {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tc
	}

	client, err := smtp.NewClient(conn, e.config.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}
	return client, nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
