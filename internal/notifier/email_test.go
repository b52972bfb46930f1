package notifier

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func TestEmailConfigValidation(t *testing.T) {
	valid := func() EmailConfig {
		return EmailConfig{
			Host:       "smtp.example.com",
			Port:       587,
			From:       "BlazeGuard <alerts@example.com>",
			Recipients: []string{"soc@example.com"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *EmailConfig)
		wantErr string
	}{
		{"valid", func(c *EmailConfig) {}, ""},
		{"missing host", func(c *EmailConfig) { c.Host = "" }, "SMTP host is required"},
		{"missing port", func(c *EmailConfig) { c.Port = 0 }, "SMTP port is required"},
		{"port out of range", func(c *EmailConfig) { c.Port = 70000 }, "invalid SMTP port"},
		{"missing from", func(c *EmailConfig) { c.From = "" }, "from address is required"},
		{"unparsable from", func(c *EmailConfig) { c.From = "not an address" }, "invalid from address"},
		{"no recipients", func(c *EmailConfig) { c.Recipients = nil }, "at least one recipient"},
		{"bad recipient", func(c *EmailConfig) { c.Recipients = append(c.Recipients, "oncall@") }, "invalid recipient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

var mailClock = time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

// newTestEmailNotifier returns a notifier with a fixed clock. Host and port
// point at addr when it is set.
func newTestEmailNotifier(t *testing.T, addr string, mutate func(c *EmailConfig)) *EmailNotifier {
	t.Helper()
	c := EmailConfig{
		Host:       "smtp.example.com",
		Port:       587,
		From:       "BlazeGuard <alerts@example.com>",
		Recipients: []string{"soc@example.com", "On Call <oncall@example.com>"},
		Timeout:    5 * time.Second,
	}
	if addr != "" {
		host, port, _ := net.SplitHostPort(addr)
		c.Host = host
		c.Port, _ = strconv.Atoi(port)
	}
	if mutate != nil {
		mutate(&c)
	}
	n, err := NewEmailNotifier(c)
	if err != nil {
		t.Fatalf("NewEmailNotifier() error = %v", err)
	}
	n.now = func() time.Time { return mailClock }
	return n
}

func TestNewEmailNotifierDefaults(t *testing.T) {
	n := newTestEmailNotifier(t, "", func(c *EmailConfig) { c.Timeout = 0 })
	if n.Name() != "email" {
		t.Errorf("Name() = %q", n.Name())
	}
	if n.config.SubjectPrefix != "BlazeGuard" || n.config.Timeout != 30*time.Second {
		t.Errorf("defaults = %q / %v", n.config.SubjectPrefix, n.config.Timeout)
	}
	if n.domain != "example.com" {
		t.Errorf("domain = %q, want example.com", n.domain)
	}
	if len(n.to) != 2 || n.to[1].Address != "oncall@example.com" {
		t.Errorf("recipients = %v", n.to)
	}
}

func TestEmailSubject(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		msg    func() *Message
		want   string
	}{
		{
			name: "first detection",
			msg:  testMessage,
			want: "[CRITICAL] BlazeGuard #42 uploads: PHP webshell uploaded",
		},
		{
			name: "recurrence carries running count",
			msg:  recurringMessage,
			want: "[CRITICAL] BlazeGuard #42 uploads: PHP webshell uploaded (detected again, 4 total)",
		},
		{
			name:   "site prefix",
			prefix: "wp-prod",
			msg:    testMessage,
			want:   "[CRITICAL] wp-prod #42 uploads: PHP webshell uploaded",
		},
		{
			name: "line breaks in title are flattened",
			msg: func() *Message {
				m := testMessage()
				m.Title = "evil\r\nBcc: victim@example.org"
				return m
			},
			want: "[CRITICAL] BlazeGuard #42 uploads: evil  Bcc: victim@example.org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestEmailNotifier(t, "", func(c *EmailConfig) { c.SubjectPrefix = tt.prefix })
			if got := n.subject(tt.msg()); got != tt.want {
				t.Errorf("subject = %q, want %q", got, tt.want)
			}
		})
	}
}

// parsedMail is a composed message split into headers and decoded parts.
type parsedMail struct {
	header mail.Header
	parts  map[string]string // media type -> decoded body
}

func parseMail(t *testing.T, raw []byte) parsedMail {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("Content-Type = %q (%v)", msg.Header.Get("Content-Type"), err)
	}

	out := parsedMail{header: msg.Header, parts: make(map[string]string)}
	r := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		body, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		pt, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		out.parts[pt] = string(body)
	}
	return out
}

func TestEmailComposeFirstDetection(t *testing.T) {
	n := newTestEmailNotifier(t, "", nil)
	raw, err := n.compose(testMessage())
	if err != nil {
		t.Fatalf("compose() error = %v", err)
	}
	m := parseMail(t, raw)

	from, err := mail.ParseAddress(m.header.Get("From"))
	if err != nil || from.Address != "alerts@example.com" || from.Name != "BlazeGuard" {
		t.Errorf("From = %q (%v)", m.header.Get("From"), err)
	}
	to, err := m.header.AddressList("To")
	if err != nil || len(to) != 2 {
		t.Fatalf("To = %q (%v)", m.header.Get("To"), err)
	}
	if date, err := m.header.Date(); err != nil || !date.Equal(mailClock) {
		t.Errorf("Date = %v (%v)", date, err)
	}

	wantHeaders := map[string]string{
		"Message-ID":               "<issue-5d41402abc4b2a76b9719d911017c592@example.com>",
		"In-Reply-To":              "",
		"X-Priority":               "1 (Highest)",
		"X-BlazeGuard-Issue":       "42",
		"X-BlazeGuard-Issuer":      "uploads/php_upload",
		"X-BlazeGuard-Severity":    "critical",
		"X-BlazeGuard-Detections":  "1",
		"X-BlazeGuard-Fingerprint": "5d41402abc4b2a76b9719d911017c592",
		"X-BlazeGuard-File":        "/var/www/wp-content/uploads/shell.php",
		"X-BlazeGuard-Source-IP":   "203.0.113.7",
	}
	for key, want := range wantHeaders {
		if got := m.header.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}

	plain := m.parts["text/plain"]
	for _, want := range []string{
		"[CRITICAL] PHP webshell uploaded",
		"Hash:       5d41402abc4b2a76b9719d911017c592",
		"Detections: 1",
		"File:       /var/www/wp-content/uploads/shell.php",
		"IP:         203.0.113.7",
	} {
		if !strings.Contains(plain, want) {
			t.Errorf("plain part missing %q:\n%s", want, plain)
		}
	}
	if html := m.parts["text/html"]; !strings.Contains(html, "<code>5d41402abc4b2a76b9719d911017c592</code>") {
		t.Errorf("HTML part missing fingerprint:\n%s", html)
	}
}

func TestEmailComposeThreadsRecurrences(t *testing.T) {
	n := newTestEmailNotifier(t, "", nil)
	thread := "<issue-5d41402abc4b2a76b9719d911017c592@example.com>"

	raw, err := n.compose(recurringMessage())
	if err != nil {
		t.Fatalf("compose() error = %v", err)
	}
	m := parseMail(t, raw)

	id := m.header.Get("Message-ID")
	if id == thread || !strings.HasPrefix(id, "<issue-42.4.") || !strings.HasSuffix(id, "@example.com>") {
		t.Errorf("Message-ID = %q, want a new id in the issue thread", id)
	}
	if got := m.header.Get("In-Reply-To"); got != thread {
		t.Errorf("In-Reply-To = %q, want %q", got, thread)
	}
	if got := m.header.Get("References"); got != thread {
		t.Errorf("References = %q, want %q", got, thread)
	}
	if got := m.header.Get("X-BlazeGuard-Detections"); got != "4" {
		t.Errorf("X-BlazeGuard-Detections = %q, want 4", got)
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(m.header.Get("Subject"))
	if err != nil || !strings.HasSuffix(subject, "(detected again, 4 total)") {
		t.Errorf("Subject = %q (%v)", subject, err)
	}
	if plain := m.parts["text/plain"]; !strings.Contains(plain, "Last seen:  2026-03-01 13:00:00 UTC") {
		t.Errorf("plain part missing last seen:\n%s", plain)
	}
}

func TestEmailComposeEdgeCases(t *testing.T) {
	n := newTestEmailNotifier(t, "", nil)

	t.Run("thread falls back to issue id without fingerprint", func(t *testing.T) {
		msg := testMessage()
		msg.IssueHash = ""
		m := parseMail(t, mustCompose(t, n, msg))
		if got := m.header.Get("Message-ID"); got != "<issue-42@example.com>" {
			t.Errorf("Message-ID = %q", got)
		}
		if _, ok := m.header["X-Blazeguard-Fingerprint"]; ok {
			t.Error("fingerprint header should be absent")
		}
	})

	t.Run("brute force issue has no file header or priority", func(t *testing.T) {
		msg := &Message{
			IssueID:        7,
			Title:          "Login burst from 198.51.100.4",
			Severity:       models.SeverityMedium,
			IssuerName:     "brute_force",
			IssueType:      "login_burst",
			IPAddress:      "198.51.100.4",
			DetectionCount: 1,
		}
		m := parseMail(t, mustCompose(t, n, msg))
		for _, key := range []string{"X-Priority", "X-BlazeGuard-File"} {
			if got := m.header.Get(key); got != "" {
				t.Errorf("%s = %q, want absent", key, got)
			}
		}
		if got := m.header.Get("X-BlazeGuard-Source-IP"); got != "198.51.100.4" {
			t.Errorf("X-BlazeGuard-Source-IP = %q", got)
		}
	})

	t.Run("file path cannot inject headers", func(t *testing.T) {
		msg := testMessage()
		msg.FilePath = "/tmp/a.php\r\nBcc: victim@example.org"
		m := parseMail(t, mustCompose(t, n, msg))
		if got := m.header.Get("Bcc"); got != "" {
			t.Errorf("Bcc = %q, want absent", got)
		}
		if got := m.header.Get("X-BlazeGuard-File"); got != "/tmp/a.php  Bcc: victim@example.org" {
			t.Errorf("X-BlazeGuard-File = %q", got)
		}
	})

	t.Run("non-ASCII title is encoded", func(t *testing.T) {
		msg := testMessage()
		msg.Title = "Webshell in café.php"
		raw := mustCompose(t, n, msg)
		m := parseMail(t, raw)
		if strings.Contains(m.header.Get("Subject"), "é") {
			t.Errorf("Subject should be encoded: %q", m.header.Get("Subject"))
		}
		subject, err := new(mime.WordDecoder).DecodeHeader(m.header.Get("Subject"))
		if err != nil || !strings.HasSuffix(subject, "Webshell in café.php") {
			t.Errorf("decoded Subject = %q (%v)", subject, err)
		}
	})
}

func mustCompose(t *testing.T, n *EmailNotifier, m *Message) []byte {
	t.Helper()
	raw, err := n.compose(m)
	if err != nil {
		t.Fatalf("compose() error = %v", err)
	}
	return raw
}

// smtpSink is a plaintext SMTP server that records every accepted message.
type smtpSink struct {
	ln     net.Listener
	reject string // RCPT address answered with 550

	mu    sync.Mutex
	from  []string
	rcpts []string
	data  [][]byte
}

func newSMTPSink(t *testing.T, reject string) *smtpSink {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &smtpSink{ln: ln, reject: reject}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.session(conn)
		}
	}()
	return s
}

func (s *smtpSink) addr() string {
	return s.ln.Addr().String()
}

func (s *smtpSink) session(conn net.Conn) {
	tp := textproto.NewConn(conn)
	defer tp.Close()

	tp.PrintfLine("220 mx.example.com ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO", "HELO":
			tp.PrintfLine("250-mx.example.com")
			tp.PrintfLine("250 SIZE 10240000")
		case "MAIL":
			s.mu.Lock()
			s.from = append(s.from, strings.TrimPrefix(arg, "FROM:"))
			s.mu.Unlock()
			tp.PrintfLine("250 2.1.0 Ok")
		case "RCPT":
			rcpt := strings.TrimPrefix(arg, "TO:")
			if s.reject != "" && strings.Contains(rcpt, s.reject) {
				tp.PrintfLine("550 5.1.1 %s: Recipient address rejected", s.reject)
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, rcpt)
			s.mu.Unlock()
			tp.PrintfLine("250 2.1.5 Ok")
		case "DATA":
			tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			body, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = append(s.data, body)
			s.mu.Unlock()
			tp.PrintfLine("250 2.0.0 Ok: queued")
		case "RSET", "NOOP":
			tp.PrintfLine("250 2.0.0 Ok")
		case "QUIT":
			tp.PrintfLine("221 2.0.0 Bye")
			return
		default:
			tp.PrintfLine("502 5.5.2 Error: command not recognized")
		}
	}
}

func (s *smtpSink) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.data...)
}

func TestEmailSendDeliversThreadedIssue(t *testing.T) {
	sink := newSMTPSink(t, "")
	n := newTestEmailNotifier(t, sink.addr(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Send(ctx, testMessage()); err != nil {
		t.Fatalf("Send(first) error = %v", err)
	}
	if err := n.Send(ctx, recurringMessage()); err != nil {
		t.Fatalf("Send(recurring) error = %v", err)
	}

	sink.mu.Lock()
	from, rcpts := sink.from, sink.rcpts
	sink.mu.Unlock()
	if len(from) != 2 || from[0] != "<alerts@example.com>" {
		t.Errorf("MAIL FROM = %v", from)
	}
	if len(rcpts) != 4 || rcpts[0] != "<soc@example.com>" || rcpts[1] != "<oncall@example.com>" {
		t.Errorf("RCPT TO = %v", rcpts)
	}

	msgs := sink.messages()
	if len(msgs) != 2 {
		t.Fatalf("delivered = %d, want 2", len(msgs))
	}
	first, again := parseMail(t, msgs[0]), parseMail(t, msgs[1])
	if got := again.header.Get("In-Reply-To"); got == "" || got != first.header.Get("Message-ID") {
		t.Errorf("recurrence In-Reply-To = %q, first Message-ID = %q", got, first.header.Get("Message-ID"))
	}
	if got := again.header.Get("X-BlazeGuard-File"); got != "/var/www/wp-content/uploads/shell.php" {
		t.Errorf("X-BlazeGuard-File = %q", got)
	}
}

func TestEmailSendRejectedRecipient(t *testing.T) {
	sink := newSMTPSink(t, "oncall@example.com")
	n := newTestEmailNotifier(t, sink.addr(), nil)

	err := n.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("Send() should fail when a recipient is rejected")
	}
	if !strings.Contains(err.Error(), "RCPT TO oncall@example.com") || !strings.Contains(err.Error(), "550") {
		t.Errorf("error = %v", err)
	}
	if got := len(sink.messages()); got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
}

func TestEmailSendUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	n := newTestEmailNotifier(t, addr, func(c *EmailConfig) { c.Timeout = time.Second })
	err = n.Send(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "connect to SMTP server") {
		t.Fatalf("Send() error = %v, want connect failure", err)
	}
}
