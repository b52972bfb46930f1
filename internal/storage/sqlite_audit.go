package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

type sqliteAuditRepo struct {
	db *sql.DB
}

func (r *sqliteAuditRepo) Append(ctx context.Context, entry *models.AuditLog) error {
	data, err := marshalJSON(entry.EventData, "{}")
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (event_type, user_id, ip_address, user_agent, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.EventType, nullString(entry.UserID), nullString(entry.IPAddress), nullString(entry.UserAgent),
		data, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (r *sqliteAuditRepo) List(ctx context.Context, filter *models.AuditFilter) ([]*models.AuditLog, int64, error) {
	if filter == nil {
		filter = &models.AuditFilter{}
	}
	var conds []string
	var args []interface{}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.IPAddress != "" {
		conds = append(conds, "ip_address = ?")
		args = append(args, filter.IPAddress)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, user_id, ip_address, user_agent, event_data, created_at
		FROM audit_logs`+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		entry := &models.AuditLog{}
		var userID, ip, ua sql.NullString
		var data string
		if err := rows.Scan(&entry.ID, &entry.EventType, &userID, &ip, &ua, &data, &entry.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		entry.UserID = userID.String
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		if entry.EventData, err = unmarshalMap(data); err != nil {
			return nil, 0, fmt.Errorf("unmarshal event data: %w", err)
		}
		out = append(out, entry)
	}
	return out, total, rows.Err()
}

func (r *sqliteAuditRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit logs: %w", err)
	}
	return result.RowsAffected()
}
