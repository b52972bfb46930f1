package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	// Addresses are the ClickHouse server addresses (host:port).
	Addresses []string

	// Database is the ClickHouse database name.
	Database string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// Compression enables LZ4 compression.
	Compression bool

	// RetentionDays is the TTL in days for archived findings.
	RetentionDays int
}

// ClickHouseArchive implements ArchiveStorage for ClickHouse.
type ClickHouseArchive struct {
	config   *ClickHouseConfig
	logger   *zap.Logger
	db       *sql.DB
	findings *clickhouseFindingRepo
}

// NewClickHouseArchive creates a new ClickHouse archive.
func NewClickHouseArchive(config *ClickHouseConfig, logger *zap.Logger) *ClickHouseArchive {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 5
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = 90
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ClickHouseArchive{config: config, logger: logger.Named("archive")}
}

// Open initializes the ClickHouse connection.
func (s *ClickHouseArchive) Open() error {
	opts := &clickhouse.Options{
		Addr: s.config.Addresses,
		Auth: clickhouse.Auth{
			Database: s.config.Database,
			Username: s.config.Username,
			Password: s.config.Password,
		},
		DialTimeout:  s.config.DialTimeout,
		MaxOpenConns: s.config.MaxOpenConns,
		MaxIdleConns: s.config.MaxIdleConns,
	}

	if s.config.Compression {
		opts.Compression = &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		}
	}

	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping clickhouse: %w", err)
	}

	s.db = db
	s.findings = &clickhouseFindingRepo{db: db}
	return nil
}

// Close closes the database connection.
func (s *ClickHouseArchive) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the findings table if it doesn't exist.
func (s *ClickHouseArchive) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS findings (
			id UUID DEFAULT generateUUIDv4(),
			detected_at DateTime64(3, 'UTC'),
			issuer_name LowCardinality(String),
			issue_type LowCardinality(String),
			severity LowCardinality(String),
			outcome LowCardinality(String),
			issue_hash String,
			issue_id Int64,
			rule_id Int64,
			title String,
			file_path String,
			ip_address String,
			domain String,
			raw_data String,
			metadata String,
			_date Date DEFAULT toDate(detected_at)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(_date)
		ORDER BY (issuer_name, outcome, detected_at, id)
		TTL _date + INTERVAL %d DAY DELETE
		SETTINGS index_granularity = 8192
	`, s.config.RetentionDays)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create findings table: %w", err)
	}

	indexes := []string{
		"ALTER TABLE findings ADD INDEX IF NOT EXISTS idx_title title TYPE tokenbf_v1(32768, 3, 0) GRANULARITY 4",
		"ALTER TABLE findings ADD INDEX IF NOT EXISTS idx_ip ip_address TYPE bloom_filter(0.01) GRANULARITY 4",
		"ALTER TABLE findings ADD INDEX IF NOT EXISTS idx_domain domain TYPE bloom_filter(0.01) GRANULARITY 4",
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			// Older ClickHouse versions reject some index types.
			s.logger.Warn("create index failed", zap.Error(err))
		}
	}

	return nil
}

// Ping checks the connection health.
func (s *ClickHouseArchive) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Findings returns the archived finding repository.
func (s *ClickHouseArchive) Findings() FindingRepository {
	return s.findings
}

type clickhouseFindingRepo struct {
	db *sql.DB
}

// InsertBatch inserts multiple records using batch insert.
func (r *clickhouseFindingRepo) InsertBatch(ctx context.Context, records []*FindingRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (
			id, detected_at, issuer_name, issue_type, severity, outcome,
			issue_hash, issue_id, rule_id, title, file_path, ip_address,
			domain, raw_data, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		id := rec.ID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}

		metadataJSON, _ := json.Marshal(rec.Metadata)

		_, err := stmt.ExecContext(ctx,
			id,
			rec.DetectedAt.UTC(),
			rec.IssuerName,
			rec.IssueType,
			rec.Severity,
			rec.Outcome,
			rec.IssueHash,
			rec.IssueID,
			rec.RuleID,
			rec.Title,
			rec.FilePath,
			rec.IPAddress,
			rec.Domain,
			rec.RawData,
			string(metadataJSON),
		)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Query retrieves records matching the filter.
func (r *clickhouseFindingRepo) Query(ctx context.Context, filter *FindingFilter) (*FindingQueryResult, error) {
	query, args := buildFindingQuery(filter, false)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var records []*FindingRecord
	for rows.Next() {
		rec := &FindingRecord{}
		var metadataJSON string

		err := rows.Scan(
			&rec.ID,
			&rec.DetectedAt,
			&rec.IssuerName,
			&rec.IssueType,
			&rec.Severity,
			&rec.Outcome,
			&rec.IssueHash,
			&rec.IssueID,
			&rec.RuleID,
			&rec.Title,
			&rec.FilePath,
			&rec.IPAddress,
			&rec.Domain,
			&rec.RawData,
			&metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		if metadataJSON != "" && metadataJSON != "null" {
			json.Unmarshal([]byte(metadataJSON), &rec.Metadata)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	total, err := r.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	return &FindingQueryResult{
		Records: records,
		Total:   total,
		HasMore: int64(filter.Offset+len(records)) < total,
	}, nil
}

// Count returns the count of records matching the filter.
func (r *clickhouseFindingRepo) Count(ctx context.Context, filter *FindingFilter) (int64, error) {
	query, args := buildFindingQuery(filter, true)

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	return count, nil
}

// DeleteBefore removes records older than the specified time.
func (r *clickhouseFindingRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT count() FROM findings WHERE detected_at < ?", before.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	// ALTER TABLE DELETE is an asynchronous mutation in ClickHouse.
	if _, err := r.db.ExecContext(ctx, "ALTER TABLE findings DELETE WHERE detected_at < ?", before.UTC()); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return count, nil
}

func buildFindingQuery(filter *FindingFilter, countOnly bool) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	if countOnly {
		sb.WriteString("SELECT count() FROM findings")
	} else {
		sb.WriteString(`
			SELECT toString(id), detected_at, issuer_name, issue_type, severity, outcome,
			       issue_hash, issue_id, rule_id, title, file_path, ip_address,
			       domain, raw_data, metadata
			FROM findings
		`)
	}

	var conditions []string

	if !filter.StartTime.IsZero() {
		conditions = append(conditions, "detected_at >= ?")
		args = append(args, filter.StartTime.UTC())
	}
	if !filter.EndTime.IsZero() {
		conditions = append(conditions, "detected_at <= ?")
		args = append(args, filter.EndTime.UTC())
	}

	eq := []struct {
		column, value string
	}{
		{"issuer_name", filter.IssuerName},
		{"issue_type", filter.IssueType},
		{"outcome", filter.Outcome},
		{"ip_address", filter.IPAddress},
		{"domain", filter.Domain},
	}
	for _, e := range eq {
		if e.value != "" {
			conditions = append(conditions, e.column+" = ?")
			args = append(args, e.value)
		}
	}

	if len(filter.Severities) > 0 {
		placeholders := make([]string, len(filter.Severities))
		for i, s := range filter.Severities {
			placeholders[i] = "?"
			args = append(args, s)
		}
		conditions = append(conditions, fmt.Sprintf("severity IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.TitleContains != "" {
		conditions = append(conditions, "positionCaseInsensitive(title, ?) > 0")
		args = append(args, filter.TitleContains)
	}

	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}

	if countOnly {
		return sb.String(), args
	}

	sb.WriteString(" ORDER BY detected_at DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	if filter.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
	}

	return sb.String(), args
}
