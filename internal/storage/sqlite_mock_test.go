package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func setupMockDB(t *testing.T) (*SQLiteStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStorageFromDB(db), mock
}

func TestRateLimitRepository_AcquireError(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_limits")).
		WithArgs("php_errors", int64(7), 10).
		WillReturnError(errors.New("disk I/O error"))

	ok, err := store.RateLimits().Acquire(context.Background(), "php_errors", 7, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Error("failed acquire must not admit")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRateLimitRepository_AcquireRejected(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_limits")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.RateLimits().Acquire(context.Background(), "php_errors", 7, 10)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Error("zero affected rows means the bucket is full")
	}
}

func TestIssueRepository_UpsertError(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO issues")).
		WillReturnError(errors.New("database is locked"))

	_, err := store.Issues().Upsert(context.Background(), testIssue("h", time.Now().UTC()))
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNotificationRepository_MarkFailedNotDeliverable(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := store.Notifications().MarkFailed(context.Background(), 42, "boom", time.Now(), time.Now().Add(time.Minute))
	if err == nil {
		t.Fatal("expected error for non-deliverable notification")
	}
}

func TestDomainRepository_ApproveRollsBack(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rejected_domains")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO whitelist_domains")).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := store.Domains().Approve(context.Background(), &models.WhitelistDomain{Domain: "x.example", AddedAt: time.Now()})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
