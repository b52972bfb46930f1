package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	path string
	db   *sql.DB

	issues        *sqliteIssueRepo
	rules         *sqliteIgnoreRuleRepo
	domains       *sqliteDomainRepo
	notifications *sqliteNotificationRepo
	audit         *sqliteAuditRepo
	rateLimits    *sqliteRateLimitRepo
}

// NewSQLiteStorage creates a new SQLite storage.
func NewSQLiteStorage(path string) *SQLiteStorage {
	return &SQLiteStorage{path: path}
}

// NewSQLiteStorageFromDB wraps an already opened database. Open must not be
// called on the result.
func NewSQLiteStorageFromDB(db *sql.DB) *SQLiteStorage {
	s := &SQLiteStorage{}
	s.attach(db)
	return s
}

// Open initializes the database connection.
func (s *SQLiteStorage) Open() error {
	ctx := context.Background()

	if s.path == "" {
		return fmt.Errorf("database path is required")
	}

	// Times are written in the sqlite text format so range comparisons work.
	dsn := fmt.Sprintf("file:%s?_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	s.attach(db)
	return nil
}

func (s *SQLiteStorage) attach(db *sql.DB) {
	s.db = db
	s.issues = &sqliteIssueRepo{db: db}
	s.rules = &sqliteIgnoreRuleRepo{db: db}
	s.domains = &sqliteDomainRepo{db: db}
	s.notifications = &sqliteNotificationRepo{db: db}
	s.audit = &sqliteAuditRepo{db: db}
	s.rateLimits = &sqliteRateLimitRepo{db: db}
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for health checks.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate() error {
	return runMigrations(s.db)
}

// Issues returns the issue repository.
func (s *SQLiteStorage) Issues() IssueRepository {
	return s.issues
}

// IgnoreRules returns the ignore rule repository.
func (s *SQLiteStorage) IgnoreRules() IgnoreRuleRepository {
	return s.rules
}

// Domains returns the domain reputation repository.
func (s *SQLiteStorage) Domains() DomainRepository {
	return s.domains
}

// Notifications returns the notification queue repository.
func (s *SQLiteStorage) Notifications() NotificationRepository {
	return s.notifications
}

// AuditLogs returns the audit log repository.
func (s *SQLiteStorage) AuditLogs() AuditLogRepository {
	return s.audit
}

// RateLimits returns the rate limit bucket repository.
func (s *SQLiteStorage) RateLimits() RateLimitRepository {
	return s.rateLimits
}

// Helper functions

type scanner interface {
	Scan(dest ...interface{}) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func rowsChanged(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
