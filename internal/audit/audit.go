// Package audit records administrative and authentication events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// ErrMissingEventType is returned when an entry has no event type.
var ErrMissingEventType = errors.New("audit entry requires an event type")

// Log is the append-only audit trail.
type Log struct {
	repo   storage.AuditLogRepository
	logger *zap.Logger
	now    func() time.Time
}

// New creates an audit log.
func New(repo storage.AuditLogRepository, logger *zap.Logger) *Log {
	return &Log{
		repo:   repo,
		logger: logging.OrNop(logger).Named("audit"),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append writes one entry. CreatedAt defaults to now. Sensitive keys in
// EventData are redacted before they reach storage.
func (l *Log) Append(ctx context.Context, entry *models.AuditLog) error {
	if entry.EventType == "" {
		return ErrMissingEventType
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if entry.EventData != nil {
		entry.EventData = logging.Redact(entry.EventData)
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		l.logger.Error("failed to append audit entry",
			zap.String("event_type", entry.EventType),
			zap.String("user", entry.UserID),
			zap.Error(err))
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Record is a shorthand for Append.
func (l *Log) Record(ctx context.Context, eventType, user, ip string, data map[string]any) error {
	return l.Append(ctx, &models.AuditLog{
		EventType: eventType,
		UserID:    user,
		IPAddress: ip,
		EventData: data,
	})
}

// List returns entries newest first with the total match count.
func (l *Log) List(ctx context.Context, filter *models.AuditFilter) ([]*models.AuditLog, int64, error) {
	entries, total, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, total, nil
}

// CountSince counts entries of eventType created at or after since.
func (l *Log) CountSince(ctx context.Context, eventType string, since time.Time) (int64, error) {
	_, total, err := l.repo.List(ctx, &models.AuditFilter{EventType: eventType, Since: since, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return total, nil
}

// Purge deletes entries older than olderThan. A non-positive age keeps everything.
func (l *Log) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	n, err := l.repo.DeleteBefore(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	if n > 0 {
		l.logger.Info("purged audit entries", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}
