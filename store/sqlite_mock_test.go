package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// These tests drive SQLiteStore through a go-sqlmock-backed *sql.DB
// rather than a real connection, to assert driver-error propagation that
// a real SQLite :memory: database won't reliably reproduce on demand
// (sqlite_test.go covers the real-connection behavior).

func newMockSQLiteStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newSQLiteStoreFromDB(db), mock
}

func TestSQLiteStoreGetInstancePropagatesDriverError(t *testing.T) {
	s, mock := newMockSQLiteStore(t)
	driverErr := errors.New("disk I/O error")

	mock.ExpectQuery(`SELECT .* FROM workflows WHERE id=\?`).
		WithArgs("wf-1").
		WillReturnError(driverErr)

	_, err := s.GetInstance(context.Background(), "wf-1")
	if err == nil {
		t.Fatal("GetInstance() should propagate the underlying driver error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("a driver-level error should not be mistaken for ErrNotFound")
	}
	if !errors.Is(err, driverErr) {
		t.Errorf("GetInstance() error = %v, want it to wrap %v", err, driverErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestSQLiteStoreDeleteInstancePropagatesDriverError(t *testing.T) {
	s, mock := newMockSQLiteStore(t)
	driverErr := driver.ErrBadConn

	mock.ExpectExec(`DELETE FROM subscriptions WHERE workflow_id=\?`).
		WithArgs("wf-1").
		WillReturnError(driverErr)

	err := s.DeleteInstance(context.Background(), "wf-1")
	if err == nil {
		t.Fatal("DeleteInstance() should propagate a failed subscriptions delete rather than silently continuing")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
