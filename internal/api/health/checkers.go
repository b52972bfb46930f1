package health

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteChecker checks SQLite database connectivity.
type SQLiteChecker struct {
	db *sql.DB
}

// NewSQLiteChecker creates a new SQLite health checker.
func NewSQLiteChecker(db *sql.DB) *SQLiteChecker {
	return &SQLiteChecker{db: db}
}

func (c *SQLiteChecker) Name() string { return "sqlite" }

// Check verifies the SQLite database is accessible.
func (c *SQLiteChecker) Check(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return c.db.PingContext(ctx)
}

// Pinger interface for stores that support ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ArchiveChecker checks the ClickHouse finding archive.
type ArchiveChecker struct {
	pinger Pinger
}

// NewArchiveChecker creates a new archive health checker.
func NewArchiveChecker(p Pinger) *ArchiveChecker {
	return &ArchiveChecker{pinger: p}
}

func (c *ArchiveChecker) Name() string { return "archive" }

// Check verifies ClickHouse is accessible.
func (c *ArchiveChecker) Check(ctx context.Context) error {
	if c.pinger == nil {
		return fmt.Errorf("archive not configured")
	}
	return c.pinger.Ping(ctx)
}

// FuncChecker adapts a name and a check function.
type FuncChecker struct {
	name  string
	check func(ctx context.Context) error
}

// NewFuncChecker creates a checker from check.
func NewFuncChecker(name string, check func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

// Check runs the check function.
func (c *FuncChecker) Check(ctx context.Context) error {
	return c.check(ctx)
}
