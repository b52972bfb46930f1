package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations holds all database migrations in order.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Deduplicated findings, one row per fingerprint
			CREATE TABLE IF NOT EXISTS issues (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				issue_hash TEXT NOT NULL UNIQUE,
				line_code_hash TEXT,
				issuer_name TEXT NOT NULL,
				issue_type TEXT NOT NULL,
				severity TEXT NOT NULL DEFAULT 'medium',
				status TEXT NOT NULL DEFAULT 'new',
				is_ignored INTEGER NOT NULL DEFAULT 0,
				viewed INTEGER NOT NULL DEFAULT 0,
				viewed_by TEXT,
				viewed_at DATETIME,
				title TEXT NOT NULL,
				description TEXT,
				details TEXT,
				raw_data TEXT,
				backtrace TEXT,
				file_path TEXT,
				ip_address TEXT,
				user_agent TEXT,
				metadata TEXT NOT NULL DEFAULT '{}',
				first_detected DATETIME NOT NULL,
				last_detected DATETIME NOT NULL,
				detection_count INTEGER NOT NULL DEFAULT 1,
				ignored_by TEXT,
				ignored_at DATETIME,
				ignore_reason TEXT,
				resolved_by TEXT,
				resolved_at DATETIME,
				resolved_notes TEXT
			);

			-- Suppression rules
			CREATE TABLE IF NOT EXISTS ignore_rules (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				rule_type TEXT NOT NULL,
				rule_value TEXT NOT NULL,
				issuer_name TEXT NOT NULL DEFAULT '',
				issue_type TEXT NOT NULL DEFAULT '',
				is_active INTEGER NOT NULL DEFAULT 1,
				expires_at DATETIME,
				usage_count INTEGER NOT NULL DEFAULT 0,
				last_used_at DATETIME,
				reason TEXT,
				created_by TEXT,
				created_at DATETIME NOT NULL,
				UNIQUE (rule_type, rule_value, issuer_name, issue_type)
			);

			-- Redirect target reputation
			CREATE TABLE IF NOT EXISTS whitelist_domains (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				domain TEXT NOT NULL UNIQUE,
				reason TEXT,
				added_by TEXT,
				added_at DATETIME NOT NULL,
				usage_count INTEGER NOT NULL DEFAULT 0,
				last_used DATETIME
			);

			CREATE TABLE IF NOT EXISTS pending_domains (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				domain TEXT NOT NULL UNIQUE,
				first_detected DATETIME NOT NULL,
				last_detected DATETIME NOT NULL,
				detection_count INTEGER NOT NULL DEFAULT 1,
				status TEXT NOT NULL DEFAULT 'pending',
				contexts TEXT NOT NULL DEFAULT '[]'
			);

			CREATE TABLE IF NOT EXISTS rejected_domains (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				domain TEXT NOT NULL UNIQUE,
				reject_reason TEXT,
				rejected_by TEXT,
				rejected_at DATETIME NOT NULL,
				detection_count INTEGER NOT NULL DEFAULT 0,
				contexts TEXT NOT NULL DEFAULT '[]'
			);

			-- Delivery queue, one row per (issue, channel)
			CREATE TABLE IF NOT EXISTS notifications (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel_name TEXT NOT NULL,
				issue_id INTEGER NOT NULL,
				message TEXT NOT NULL,
				context TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'pending',
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				last_attempt DATETIME,
				sent_at DATETIME,
				error_message TEXT,
				lease_until INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
			);

			-- Append-only audit trail
			CREATE TABLE IF NOT EXISTS audit_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				user_id TEXT,
				ip_address TEXT,
				user_agent TEXT,
				event_data TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			);

			-- Hourly issuer counters
			CREATE TABLE IF NOT EXISTS rate_limits (
				key TEXT NOT NULL,
				bucket INTEGER NOT NULL,
				count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (key, bucket)
			);
		`,
	},
	{
		Version: 2,
		Name:    "add_indexes",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
			CREATE INDEX IF NOT EXISTS idx_issues_issuer ON issues(issuer_name, issue_type);
			CREATE INDEX IF NOT EXISTS idx_issues_last_detected ON issues(last_detected);
			CREATE INDEX IF NOT EXISTS idx_ignore_rules_active ON ignore_rules(is_active);
			CREATE INDEX IF NOT EXISTS idx_pending_domains_status ON pending_domains(status);
			CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status, id);
			CREATE INDEX IF NOT EXISTS idx_notifications_issue ON notifications(issue_id);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_event ON audit_logs(event_type, created_at);
			CREATE INDEX IF NOT EXISTS idx_rate_limits_bucket ON rate_limits(bucket);
		`,
	},
	{
		Version: 3,
		Name:    "notification_next_attempt",
		Up: `
			-- Unix nanoseconds; 0 means due immediately
			ALTER TABLE notifications ADD COLUMN next_attempt_at INTEGER NOT NULL DEFAULT 0;
			CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, next_attempt_at, channel_name, id);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB) error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		// Run migration in transaction
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		_, err = tx.Exec(m.Up)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UTC(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
