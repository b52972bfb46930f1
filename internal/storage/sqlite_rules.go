package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

type sqliteIgnoreRuleRepo struct {
	db *sql.DB
}

const ruleColumns = `
	id, rule_type, rule_value, issuer_name, issue_type, is_active, expires_at,
	usage_count, last_used_at, reason, created_by, created_at
`

func (r *sqliteIgnoreRuleRepo) Create(ctx context.Context, rule *models.IgnoreRule) error {
	query := `
		INSERT INTO ignore_rules (rule_type, rule_value, issuer_name, issue_type, is_active,
			expires_at, usage_count, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		string(rule.RuleType), rule.RuleValue, rule.IssuerName, rule.IssueType,
		boolToInt(rule.IsActive), nullTime(rule.ExpiresAt),
		nullString(rule.Reason), nullString(rule.CreatedBy), rule.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ignore rule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("ignore rule id: %w", err)
	}
	rule.ID = id
	return nil
}

func (r *sqliteIgnoreRuleRepo) GetByID(ctx context.Context, id int64) (*models.IgnoreRule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM ignore_rules WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

func (r *sqliteIgnoreRuleRepo) Find(ctx context.Context, ruleType models.RuleType, value, issuerName, issueType string) (*models.IgnoreRule, error) {
	query := "SELECT " + ruleColumns + ` FROM ignore_rules
		WHERE rule_type = ? AND rule_value = ? AND issuer_name = ? AND issue_type = ?`
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, string(ruleType), value, issuerName, issueType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

func (r *sqliteIgnoreRuleRepo) List(ctx context.Context, activeOnly bool) ([]*models.IgnoreRule, error) {
	query := "SELECT " + ruleColumns + " FROM ignore_rules"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ignore rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.IgnoreRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *sqliteIgnoreRuleRepo) RecordUsage(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE ignore_rules SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?",
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record rule usage: %w", err)
	}
	if !rowsChanged(result) {
		return fmt.Errorf("ignore rule not found: %d", id)
	}
	return nil
}

func (r *sqliteIgnoreRuleRepo) SetActive(ctx context.Context, id int64, active bool) error {
	result, err := r.db.ExecContext(ctx, "UPDATE ignore_rules SET is_active = ? WHERE id = ?", boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if !rowsChanged(result) {
		return fmt.Errorf("ignore rule not found: %d", id)
	}
	return nil
}

func (r *sqliteIgnoreRuleRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM ignore_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete ignore rule: %w", err)
	}
	if !rowsChanged(result) {
		return fmt.Errorf("ignore rule not found: %d", id)
	}
	return nil
}

func (r *sqliteIgnoreRuleRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE ignore_rules SET is_active = 0 WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?",
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired rules: %w", err)
	}
	return result.RowsAffected()
}

func (r *sqliteIgnoreRuleRepo) DeactivateUnused(ctx context.Context, createdBefore time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE ignore_rules SET is_active = 0 WHERE is_active = 1 AND usage_count = 0 AND created_at < ?",
		createdBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate unused rules: %w", err)
	}
	return result.RowsAffected()
}

func scanRule(row scanner) (*models.IgnoreRule, error) {
	rule := &models.IgnoreRule{}
	var ruleType string
	var active int
	var expiresAt, lastUsed sql.NullTime
	var reason, createdBy sql.NullString

	err := row.Scan(
		&rule.ID, &ruleType, &rule.RuleValue, &rule.IssuerName, &rule.IssueType, &active, &expiresAt,
		&rule.UsageCount, &lastUsed, &reason, &createdBy, &rule.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan ignore rule: %w", err)
	}

	rule.RuleType = models.RuleType(ruleType)
	rule.IsActive = active != 0
	rule.ExpiresAt = timePtr(expiresAt)
	rule.LastUsedAt = timePtr(lastUsed)
	rule.Reason = reason.String
	rule.CreatedBy = createdBy.String
	rule.CreatedAt = rule.CreatedAt.UTC()
	return rule, nil
}
