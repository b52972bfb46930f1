package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

type sqliteNotificationRepo struct {
	db *sql.DB
}

const notificationColumns = `
	id, channel_name, issue_id, message, context, status, retry_count, max_retries,
	last_attempt, next_attempt_at, sent_at, error_message, created_at
`

func (r *sqliteNotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	contextJSON, err := marshalJSON(n.Context, "{}")
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = models.DefaultMaxRetries
	}
	if n.Status == "" {
		n.Status = models.NotificationPending
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (channel_name, issue_id, message, context, status,
			retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		n.ChannelName, n.IssueID, n.Message, contextJSON, string(n.Status), n.MaxRetries, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	n.ID = id
	return nil
}

func (r *sqliteNotificationRepo) GetByID(ctx context.Context, id int64) (*models.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func (r *sqliteNotificationRepo) ListDue(ctx context.Context, now time.Time, perChannel int) ([]*models.Notification, error) {
	if perChannel <= 0 {
		perChannel = 100
	}
	rows, err := r.db.QueryContext(ctx, "SELECT "+notificationColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY channel_name ORDER BY id) AS channel_rank
			FROM notifications
			WHERE status IN ('pending', 'retry') AND next_attempt_at <= ? AND lease_until < ?
		)
		WHERE channel_rank <= ? ORDER BY id`,
		now.UnixNano(), now.UnixNano(), perChannel)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *sqliteNotificationRepo) Claim(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET lease_until = ?
		WHERE id = ? AND status IN ('pending', 'retry') AND lease_until < ?`,
		leaseUntil.UnixNano(), id, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteNotificationRepo) MarkSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'sent', sent_at = ?, last_attempt = ?, lease_until = 0
		WHERE id = ? AND status IN ('pending', 'retry')`,
		at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark notification sent: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteNotificationRepo) MarkFailed(ctx context.Context, id int64, errMsg string, at, nextAttempt time.Time) (models.NotificationStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE notifications SET
			retry_count = retry_count + 1,
			last_attempt = ?,
			next_attempt_at = ?,
			error_message = ?,
			lease_until = 0,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'retry' END
		WHERE id = ? AND status IN ('pending', 'retry')
		RETURNING status`,
		at.UTC(), nextAttempt.UnixNano(), errMsg, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("notification %d is not deliverable", id)
	}
	if err != nil {
		return "", fmt.Errorf("mark notification failed: %w", err)
	}
	return models.NotificationStatus(status), nil
}

func (r *sqliteNotificationRepo) Requeue(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'pending', retry_count = 0, error_message = NULL,
			lease_until = 0, next_attempt_at = 0
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return false, fmt.Errorf("requeue notification: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteNotificationRepo) List(ctx context.Context, filter *models.NotificationFilter) ([]*models.Notification, int64, error) {
	if filter == nil {
		filter = &models.NotificationFilter{}
	}
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ChannelName != "" {
		conds = append(conds, "channel_name = ?")
		args = append(args, filter.ChannelName)
	}
	if filter.IssueID != 0 {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications"+where+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	list, err := scanNotifications(rows)
	return list, total, err
}

func (r *sqliteNotificationRepo) CountByStatus(ctx context.Context) (map[models.NotificationStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM notifications GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.NotificationStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan notification count: %w", err)
		}
		counts[models.NotificationStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *sqliteNotificationRepo) DeleteSentBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE status = 'sent' AND sent_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete sent notifications: %w", err)
	}
	return result.RowsAffected()
}

func scanNotifications(rows *sql.Rows) ([]*models.Notification, error) {
	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row scanner) (*models.Notification, error) {
	n := &models.Notification{}
	var status, contextJSON string
	var lastAttempt, sentAt sql.NullTime
	var nextAttempt int64
	var errMsg sql.NullString

	err := row.Scan(
		&n.ID, &n.ChannelName, &n.IssueID, &n.Message, &contextJSON, &status, &n.RetryCount, &n.MaxRetries,
		&lastAttempt, &nextAttempt, &sentAt, &errMsg, &n.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}

	n.Status = models.NotificationStatus(status)
	n.LastAttempt = timePtr(lastAttempt)
	if nextAttempt > 0 {
		t := time.Unix(0, nextAttempt).UTC()
		n.NextAttempt = &t
	}
	n.SentAt = timePtr(sentAt)
	n.ErrorMessage = errMsg.String
	n.CreatedAt = n.CreatedAt.UTC()
	if n.Context, err = unmarshalMap(contextJSON); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return n, nil
}
