package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type sqliteRateLimitRepo struct {
	db *sql.DB
}

func (r *sqliteRateLimitRepo) Acquire(ctx context.Context, key string, bucket int64, limit int) (bool, error) {
	// A failed WHERE on the conflict branch leaves the row untouched and
	// reports zero changes.
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limits (key, bucket, count) VALUES (?, ?, 1)
		ON CONFLICT(key, bucket) DO UPDATE SET count = rate_limits.count + 1
		WHERE rate_limits.count < ?`,
		key, bucket, limit,
	)
	if err != nil {
		return false, fmt.Errorf("acquire rate limit: %w", err)
	}
	return rowsChanged(result), nil
}

func (r *sqliteRateLimitRepo) Count(ctx context.Context, key string, bucket int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		"SELECT count FROM rate_limits WHERE key = ? AND bucket = ?", key, bucket).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit: %w", err)
	}
	return count, nil
}

func (r *sqliteRateLimitRepo) DeleteBefore(ctx context.Context, bucket int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM rate_limits WHERE bucket < ?", bucket)
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return result.RowsAffected()
}
