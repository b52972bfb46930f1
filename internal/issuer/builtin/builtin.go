// Package builtin provides the reference issuers shipped with blazeguard.
package builtin

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// Issuer names.
const (
	NameEvents      = "events"
	NameFailedLogin = "failed_login"
	NameRedirect    = "redirect"
	NameUploads     = "uploads"
	NamePHPLog      = "php_log"
	NameBruteForce  = "brute_force"
)

// Deps are the collaborators builtin issuers read from.
type Deps struct {
	// AuditLogs is read by brute_force. It is never written.
	AuditLogs storage.AuditLogRepository
	Logger    *zap.Logger
}

// Set holds the registered builtin issuers so callers can reach the ones
// with extra lifecycle (the upload watcher).
type Set struct {
	Events      *EventIssuer
	FailedLogin *FailedLoginIssuer
	Redirect    *RedirectIssuer
	Uploads     *UploadIssuer
	PHPLog      *PHPLogIssuer
	BruteForce  *BruteForceIssuer
}

// Register creates every builtin issuer and adds it to reg.
func Register(reg *issuer.Registry, deps Deps) (*Set, error) {
	set := &Set{
		Events:      NewEventIssuer(),
		FailedLogin: NewFailedLoginIssuer(),
		Redirect:    NewRedirectIssuer(),
		Uploads:     NewUploadIssuer(deps.Logger),
		PHPLog:      NewPHPLogIssuer(deps.Logger),
		BruteForce:  NewBruteForceIssuer(deps.AuditLogs),
	}
	for _, i := range []issuer.Issuer{set.Events, set.FailedLogin, set.Redirect, set.Uploads, set.PHPLog, set.BruteForce} {
		if err := reg.Register(i); err != nil {
			return nil, fmt.Errorf("register builtin issuers: %w", err)
		}
	}
	return set, nil
}

// severityOption reads a severity option.
func severityOption(opts map[string]any, key string, def models.Severity) (models.Severity, error) {
	s, err := issuer.String(opts, key, "")
	if err != nil || s == "" {
		return def, err
	}
	sev, err := models.ParseSeverity(s)
	if err != nil {
		return def, fmt.Errorf("%w: %s: %v", issuer.ErrInvalidOption, key, err)
	}
	return sev, nil
}
