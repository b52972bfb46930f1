package notifier

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

//go:embed templates/*
var templateFS embed.FS

// Templates holds parsed notification templates.
type Templates struct {
	html  *htmltemplate.Template
	plain *template.Template
}

// TemplateData contains data for template rendering.
type TemplateData struct {
	IssueID        int64
	IssueHash      string
	Title          string
	Description    string
	Severity       string
	SeverityColor  string
	IssuerName     string
	IssueType      string
	FilePath       string
	IPAddress      string
	DetectionCount int64
	FirstDetected  string
	LastDetected   string
	Recurring      bool
}

// LoadTemplates loads embedded templates.
func LoadTemplates() (*Templates, error) {
	funcs := template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}

	htmlTmpl, err := htmltemplate.New("issue.html").Funcs(htmltemplate.FuncMap(funcs)).ParseFS(templateFS, "templates/issue.html")
	if err != nil {
		return nil, err
	}

	plainTmpl, err := template.New("issue.txt").Funcs(funcs).ParseFS(templateFS, "templates/issue.txt")
	if err != nil {
		return nil, err
	}

	return &Templates{
		html:  htmlTmpl,
		plain: plainTmpl,
	}, nil
}

// RenderHTML renders the HTML body.
func (t *Templates) RenderHTML(data *TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.html.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderPlain renders the plain text body.
func (t *Templates) RenderPlain(data *TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.plain.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// severityColor returns the color for a severity level.
func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#d32f2f" // red
	case models.SeverityHigh:
		return "#f57c00" // orange
	case models.SeverityMedium:
		return "#fbc02d" // yellow
	case models.SeverityLow:
		return "#388e3c" // green
	default:
		return "#757575" // gray
	}
}

// MessageToTemplateData converts a message to template data.
func MessageToTemplateData(msg *Message) TemplateData {
	return TemplateData{
		IssueID:        msg.IssueID,
		IssueHash:      msg.IssueHash,
		Title:          msg.Title,
		Description:    msg.Description,
		Severity:       string(msg.Severity),
		SeverityColor:  severityColor(msg.Severity),
		IssuerName:     msg.IssuerName,
		IssueType:      msg.IssueType,
		FilePath:       msg.FilePath,
		IPAddress:      msg.IPAddress,
		DetectionCount: msg.DetectionCount,
		FirstDetected:  formatTime(msg.FirstDetected),
		LastDetected:   formatTime(msg.LastDetected),
		Recurring:      msg.Recurring,
	}
}

// RenderText renders the plain text body for a message, used as the stored
// notification text.
func RenderText(msg *Message) (string, error) {
	t, err := LoadTemplates()
	if err != nil {
		return "", err
	}
	data := MessageToTemplateData(msg)
	return t.RenderPlain(&data)
}
