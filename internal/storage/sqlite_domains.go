package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

type sqliteDomainRepo struct {
	db *sql.DB
}

// appendContext keeps the newest maxContexts entries of a JSON array column.
const appendContext = `CASE WHEN json_array_length(%[1]s) >= ?
	THEN json_insert(json_remove(%[1]s, '$[0]'), '$[#]', json(?))
	ELSE json_insert(%[1]s, '$[#]', json(?)) END`

func (r *sqliteDomainRepo) GetWhitelist(ctx context.Context, domain string) (*models.WhitelistDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, domain, reason, added_by, added_at, usage_count, last_used
		FROM whitelist_domains WHERE domain = ?`, domain)
	w, err := scanWhitelist(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (r *sqliteDomainRepo) GetPending(ctx context.Context, domain string) (*models.PendingDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, domain, first_detected, last_detected, detection_count, status, contexts
		FROM pending_domains WHERE domain = ?`, domain)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *sqliteDomainRepo) GetRejected(ctx context.Context, domain string) (*models.RejectedDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, domain, reject_reason, rejected_by, rejected_at, detection_count, contexts
		FROM rejected_domains WHERE domain = ?`, domain)
	rj, err := scanRejected(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rj, err
}

func (r *sqliteDomainRepo) TouchWhitelist(ctx context.Context, domain string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE whitelist_domains SET usage_count = usage_count + 1, last_used = ? WHERE domain = ?",
		at.UTC(), domain,
	)
	if err != nil {
		return false, fmt.Errorf("touch whitelist: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteDomainRepo) TouchRejected(ctx context.Context, domain string, c models.DomainContext, maxContexts int) (bool, error) {
	ctxJSON, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal context: %w", err)
	}
	query := fmt.Sprintf(`
		UPDATE rejected_domains SET detection_count = detection_count + 1,
			contexts = `+appendContext+`
		WHERE domain = ?`, "contexts")
	result, err := r.db.ExecContext(ctx, query, maxContexts, string(ctxJSON), string(ctxJSON), domain)
	if err != nil {
		return false, fmt.Errorf("touch rejected: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteDomainRepo) UpsertPending(ctx context.Context, domain string, c models.DomainContext, maxContexts int) error {
	ctxJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	at := c.Timestamp.UTC()

	// Rows already approved or rejected are left alone.
	query := fmt.Sprintf(`
		INSERT INTO pending_domains (domain, first_detected, last_detected, detection_count, status, contexts)
		VALUES (?, ?, ?, 1, 'pending', json_array(json(?)))
		ON CONFLICT(domain) DO UPDATE SET
			last_detected = MAX(pending_domains.last_detected, excluded.last_detected),
			detection_count = pending_domains.detection_count + 1,
			contexts = `+appendContext+`
		WHERE pending_domains.status = 'pending'`, "pending_domains.contexts")
	_, err = r.db.ExecContext(ctx, query,
		domain, at, at, string(ctxJSON),
		maxContexts, string(ctxJSON), string(ctxJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert pending domain: %w", err)
	}
	return nil
}

func (r *sqliteDomainRepo) Approve(ctx context.Context, entry *models.WhitelistDomain) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM rejected_domains WHERE domain = ?", entry.Domain); err != nil {
			return fmt.Errorf("delete rejected: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO whitelist_domains (domain, reason, added_by, added_at, usage_count)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(domain) DO UPDATE SET reason = excluded.reason,
				added_by = excluded.added_by, added_at = excluded.added_at`,
			entry.Domain, nullString(entry.Reason), nullString(entry.AddedBy), entry.AddedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert whitelist: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			entry.ID = id
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE pending_domains SET status = 'approved' WHERE domain = ?", entry.Domain); err != nil {
			return fmt.Errorf("mark pending approved: %w", err)
		}
		return nil
	})
}

func (r *sqliteDomainRepo) Reject(ctx context.Context, entry *models.RejectedDomain) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var count int64
		var contexts string
		err := tx.QueryRowContext(ctx,
			"SELECT detection_count, contexts FROM pending_domains WHERE domain = ?", entry.Domain,
		).Scan(&count, &contexts)
		switch {
		case err == sql.ErrNoRows:
			contexts = "[]"
		case err != nil:
			return fmt.Errorf("read pending: %w", err)
		}
		entry.DetectionCount = count
		if err := json.Unmarshal([]byte(contexts), &entry.Contexts); err != nil {
			return fmt.Errorf("unmarshal contexts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM whitelist_domains WHERE domain = ?", entry.Domain); err != nil {
			return fmt.Errorf("delete whitelist: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rejected_domains (domain, reject_reason, rejected_by, rejected_at, detection_count, contexts)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET reject_reason = excluded.reject_reason,
				rejected_by = excluded.rejected_by, rejected_at = excluded.rejected_at`,
			entry.Domain, nullString(entry.RejectReason), nullString(entry.RejectedBy), entry.RejectedAt.UTC(),
			count, contexts,
		)
		if err != nil {
			return fmt.Errorf("insert rejected: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			entry.ID = id
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE pending_domains SET status = 'rejected' WHERE domain = ?", entry.Domain); err != nil {
			return fmt.Errorf("mark pending rejected: %w", err)
		}
		return nil
	})
}

func (r *sqliteDomainRepo) RemoveRejected(ctx context.Context, domain string) (bool, error) {
	var removed bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM rejected_domains WHERE domain = ?", domain)
		if err != nil {
			return fmt.Errorf("delete rejected: %w", err)
		}
		removed = rowsChanged(res)
		// The next detection starts a fresh pending cycle.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pending_domains WHERE domain = ? AND status = 'rejected'", domain); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		return nil
	})
	return removed, err
}

func (r *sqliteDomainRepo) RemoveWhitelist(ctx context.Context, domain string) (bool, error) {
	var removed bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM whitelist_domains WHERE domain = ?", domain)
		if err != nil {
			return fmt.Errorf("delete whitelist: %w", err)
		}
		removed = rowsChanged(res)
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pending_domains WHERE domain = ? AND status = 'approved'", domain); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		return nil
	})
	return removed, err
}

func (r *sqliteDomainRepo) ListPending(ctx context.Context, status models.DomainStatus) ([]*models.PendingDomain, error) {
	query := `SELECT id, domain, first_detected, last_detected, detection_count, status, contexts
		FROM pending_domains`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY detection_count DESC, domain"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending domains: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingDomain
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *sqliteDomainRepo) ListWhitelist(ctx context.Context) ([]*models.WhitelistDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, domain, reason, added_by, added_at, usage_count, last_used
		FROM whitelist_domains ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("query whitelist: %w", err)
	}
	defer rows.Close()

	var out []*models.WhitelistDomain
	for rows.Next() {
		w, err := scanWhitelist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *sqliteDomainRepo) ListRejected(ctx context.Context) ([]*models.RejectedDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, domain, reject_reason, rejected_by, rejected_at, detection_count, contexts
		FROM rejected_domains ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("query rejected domains: %w", err)
	}
	defer rows.Close()

	var out []*models.RejectedDomain
	for rows.Next() {
		rj, err := scanRejected(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	return out, rows.Err()
}

func (r *sqliteDomainRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanWhitelist(row scanner) (*models.WhitelistDomain, error) {
	w := &models.WhitelistDomain{}
	var reason, addedBy sql.NullString
	var lastUsed sql.NullTime
	err := row.Scan(&w.ID, &w.Domain, &reason, &addedBy, &w.AddedAt, &w.UsageCount, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan whitelist domain: %w", err)
	}
	w.Reason = reason.String
	w.AddedBy = addedBy.String
	w.AddedAt = w.AddedAt.UTC()
	w.LastUsed = timePtr(lastUsed)
	return w, nil
}

func scanPending(row scanner) (*models.PendingDomain, error) {
	p := &models.PendingDomain{}
	var status, contexts string
	err := row.Scan(&p.ID, &p.Domain, &p.FirstDetected, &p.LastDetected, &p.DetectionCount, &status, &contexts)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending domain: %w", err)
	}
	p.Status = models.DomainStatus(status)
	p.FirstDetected = p.FirstDetected.UTC()
	p.LastDetected = p.LastDetected.UTC()
	if err := json.Unmarshal([]byte(contexts), &p.Contexts); err != nil {
		return nil, fmt.Errorf("unmarshal contexts: %w", err)
	}
	return p, nil
}

func scanRejected(row scanner) (*models.RejectedDomain, error) {
	rj := &models.RejectedDomain{}
	var reason, by sql.NullString
	var contexts string
	err := row.Scan(&rj.ID, &rj.Domain, &reason, &by, &rj.RejectedAt, &rj.DetectionCount, &contexts)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan rejected domain: %w", err)
	}
	rj.RejectReason = reason.String
	rj.RejectedBy = by.String
	rj.RejectedAt = rj.RejectedAt.UTC()
	if err := json.Unmarshal([]byte(contexts), &rj.Contexts); err != nil {
		return nil, fmt.Errorf("unmarshal contexts: %w", err)
	}
	return rj, nil
}
