package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

type sqliteIssueRepo struct {
	db *sql.DB
}

const issueColumns = `
	id, issue_hash, line_code_hash, issuer_name, issue_type, severity, status,
	is_ignored, viewed, viewed_by, viewed_at, title, description, details,
	raw_data, backtrace, file_path, ip_address, user_agent, metadata,
	first_detected, last_detected, detection_count,
	ignored_by, ignored_at, ignore_reason, resolved_by, resolved_at, resolved_notes
`

func (r *sqliteIssueRepo) Upsert(ctx context.Context, issue *models.Issue) (*UpsertResult, error) {
	metadata, err := marshalJSON(issue.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	// The unique issue_hash constraint decides insert vs update; status and
	// resolution columns are deliberately absent from the update set.
	query := `
		INSERT INTO issues (issue_hash, line_code_hash, issuer_name, issue_type, severity,
			status, is_ignored, viewed, title, description, details, raw_data, backtrace,
			file_path, ip_address, user_agent, metadata, first_detected, last_detected, detection_count)
		VALUES (?, ?, ?, ?, ?, 'new', 0, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(issue_hash) DO UPDATE SET
			last_detected = MAX(issues.last_detected, excluded.last_detected),
			detection_count = issues.detection_count + 1,
			metadata = json_patch(issues.metadata, excluded.metadata)
		RETURNING id, detection_count
	`
	detected := issue.LastDetected.UTC()
	var id, count int64
	err = r.db.QueryRowContext(ctx, query,
		issue.IssueHash, nullString(issue.LineCodeHash), issue.IssuerName, issue.IssueType,
		string(issue.Severity), issue.Title, nullString(issue.Description), nullString(issue.Details),
		nullString(issue.RawData), nullString(issue.Backtrace), nullString(issue.FilePath),
		nullString(issue.IPAddress), nullString(issue.UserAgent), metadata,
		issue.FirstDetected.UTC(), detected,
	).Scan(&id, &count)
	if err != nil {
		return nil, fmt.Errorf("upsert issue: %w", err)
	}

	result := &UpsertResult{Created: count == 1}
	if !result.Created {
		res, err := r.db.ExecContext(ctx,
			"UPDATE issues SET viewed = 0, viewed_by = NULL, viewed_at = NULL WHERE id = ? AND viewed = 1",
			id,
		)
		if err != nil {
			return nil, fmt.Errorf("reset viewed: %w", err)
		}
		result.ViewedReset = rowsChanged(res)
	}

	stored, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("issue %d vanished after upsert", id)
	}
	result.Issue = stored
	return result, nil
}

func (r *sqliteIssueRepo) GetByID(ctx context.Context, id int64) (*models.Issue, error) {
	query := "SELECT " + issueColumns + " FROM issues WHERE id = ?"
	issue, err := scanIssue(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return issue, err
}

func (r *sqliteIssueRepo) GetByHash(ctx context.Context, hash string) (*models.Issue, error) {
	query := "SELECT " + issueColumns + " FROM issues WHERE issue_hash = ?"
	issue, err := scanIssue(r.db.QueryRowContext(ctx, query, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return issue, err
}

func (r *sqliteIssueRepo) List(ctx context.Context, filter *models.IssueFilter) ([]*models.Issue, int64, error) {
	if filter == nil {
		filter = &models.IssueFilter{}
	}
	filter.Normalize()

	where, args := buildIssueWhere(filter)

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	query := "SELECT " + issueColumns + " FROM issues" + where +
		" ORDER BY last_detected DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.PerPage, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, 0, err
		}
		issues = append(issues, issue)
	}
	return issues, total, rows.Err()
}

func buildIssueWhere(f *models.IssueFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.IssuerName != "" {
		conds = append(conds, "issuer_name = ?")
		args = append(args, f.IssuerName)
	}
	if f.IssueType != "" {
		conds = append(conds, "issue_type = ?")
		args = append(args, f.IssueType)
	}
	if f.Viewed != nil {
		conds = append(conds, "viewed = ?")
		args = append(args, boolToInt(*f.Viewed))
	}
	if f.Ignored != nil {
		conds = append(conds, "is_ignored = ?")
		args = append(args, boolToInt(*f.Ignored))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "last_detected >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		conds = append(conds, "(title LIKE ? OR description LIKE ? OR file_path LIKE ?)")
		args = append(args, like, like, like)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *sqliteIssueRepo) Stats(ctx context.Context, since time.Time) (*models.IssueStats, error) {
	stats := models.NewIssueStats()

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN viewed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_detected >= ? THEN 1 ELSE 0 END), 0)
		FROM issues`, since.UTC(),
	).Scan(&stats.Total, &stats.Unviewed, &stats.Last24h)
	if err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}

	groups := []struct {
		column string
		put    func(key string, n int64)
	}{
		{"status", func(k string, n int64) { stats.ByStatus[models.IssueStatus(k)] = n }},
		{"severity", func(k string, n int64) { stats.BySeverity[models.Severity(k)] = n }},
		{"issuer_name", func(k string, n int64) { stats.ByIssuer[k] = n }},
	}
	for _, g := range groups {
		rows, err := r.db.QueryContext(ctx,
			fmt.Sprintf("SELECT %s, COUNT(*) FROM issues GROUP BY %s", g.column, g.column))
		if err != nil {
			return nil, fmt.Errorf("group issues by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s group: %w", g.column, err)
			}
			g.put(key, n)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (r *sqliteIssueRepo) MarkViewed(ctx context.Context, id int64, by string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE issues SET viewed = 1, viewed_by = ?, viewed_at = ? WHERE id = ?",
		nullString(by), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark issue viewed: %w", err)
	}
	if !rowsChanged(result) {
		return fmt.Errorf("issue not found: %d", id)
	}
	return nil
}

func (r *sqliteIssueRepo) UpdateStatus(ctx context.Context, issue *models.Issue, from models.IssueStatus) (bool, error) {
	query := `
		UPDATE issues SET status = ?, is_ignored = ?,
			ignored_by = ?, ignored_at = ?, ignore_reason = ?,
			resolved_by = ?, resolved_at = ?, resolved_notes = ?
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		string(issue.Status), boolToInt(issue.IsIgnored),
		nullString(issue.IgnoredBy), nullTime(issue.IgnoredAt), nullString(issue.IgnoreReason),
		nullString(issue.ResolvedBy), nullTime(issue.ResolvedAt), nullString(issue.ResolvedNotes),
		issue.ID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update issue status: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteIssueRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if !rowsChanged(result) {
		return fmt.Errorf("issue not found: %d", id)
	}
	return nil
}

func scanIssue(row scanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var lineHash, viewedBy, description, details, rawData, backtrace sql.NullString
	var filePath, ipAddress, userAgent, ignoredBy, ignoreReason, resolvedBy, resolvedNotes sql.NullString
	var viewedAt, ignoredAt, resolvedAt sql.NullTime
	var severity, status, metadata string
	var ignored, viewed int

	err := row.Scan(
		&issue.ID, &issue.IssueHash, &lineHash, &issue.IssuerName, &issue.IssueType, &severity, &status,
		&ignored, &viewed, &viewedBy, &viewedAt, &issue.Title, &description, &details,
		&rawData, &backtrace, &filePath, &ipAddress, &userAgent, &metadata,
		&issue.FirstDetected, &issue.LastDetected, &issue.DetectionCount,
		&ignoredBy, &ignoredAt, &ignoreReason, &resolvedBy, &resolvedAt, &resolvedNotes,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan issue: %w", err)
	}

	issue.LineCodeHash = lineHash.String
	issue.Severity = models.Severity(severity)
	issue.Status = models.IssueStatus(status)
	issue.IsIgnored = ignored != 0
	issue.Viewed = viewed != 0
	issue.ViewedBy = viewedBy.String
	issue.ViewedAt = timePtr(viewedAt)
	issue.Description = description.String
	issue.Details = details.String
	issue.RawData = rawData.String
	issue.Backtrace = backtrace.String
	issue.FilePath = filePath.String
	issue.IPAddress = ipAddress.String
	issue.UserAgent = userAgent.String
	issue.FirstDetected = issue.FirstDetected.UTC()
	issue.LastDetected = issue.LastDetected.UTC()
	issue.IgnoredBy = ignoredBy.String
	issue.IgnoredAt = timePtr(ignoredAt)
	issue.IgnoreReason = ignoreReason.String
	issue.ResolvedBy = resolvedBy.String
	issue.ResolvedAt = timePtr(resolvedAt)
	issue.ResolvedNotes = resolvedNotes.String

	if issue.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return issue, nil
}
