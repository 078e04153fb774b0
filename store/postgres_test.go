package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowhost/wfengine/model"
)

func TestPgJSON(t *testing.T) {
	b, err := pgJSON(nil)
	if err != nil || b != nil {
		t.Errorf("pgJSON(nil) = (%v, %v), want (nil, nil)", b, err)
	}

	b, err = pgJSON(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("pgJSON() error = %v", err)
	}
	if string(b) != `{"k":"v"}` {
		t.Errorf("pgJSON() = %s, want {\"k\":\"v\"}", b)
	}
}

// fakeRow implements pgx.Row over a fixed slice of column values, so the
// scan* helpers can be exercised without a live connection.
type fakeRow struct {
	vals []any
	err  error
}

func (f *fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.vals) {
		return errors.New("fakeRow: column count mismatch")
	}
	for i, d := range dest {
		if err := assignInto(d, f.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignInto(dest, val any) error {
	switch d := dest.(type) {
	case *int64:
		*d, _ = val.(int64)
	case *int:
		*d, _ = val.(int)
	case *string:
		*d, _ = val.(string)
	case *[]byte:
		*d, _ = val.([]byte)
	case *time.Time:
		*d, _ = val.(time.Time)
	case **time.Time:
		*d, _ = val.(*time.Time)
	case *bool:
		*d, _ = val.(bool)
	default:
		return errors.New("fakeRow: unsupported destination type")
	}
	return nil
}

func TestScanPgInstanceNotFound(t *testing.T) {
	row := &fakeRow{err: pgx.ErrNoRows}
	if _, err := scanPgInstance(row); err != ErrNotFound {
		t.Errorf("scanPgInstance() error = %v, want ErrNotFound", err)
	}
}

func TestScanPgInstanceDecodesJSONColumns(t *testing.T) {
	now := time.Now().UTC()
	row := &fakeRow{vals: []any{
		int64(7), "wf-1", "order-flow", 1, "Runnable",
		[]byte(`{"amount":42}`),
		now, (*time.Time)(nil), (*time.Time)(nil),
		"node-a", "corr-1",
		[]byte(`{"region":"us"}`),
		"",
	}}
	w, err := scanPgInstance(row)
	if err != nil {
		t.Fatalf("scanPgInstance() error = %v", err)
	}
	if w.PersistenceID != 7 || w.ID != "wf-1" || w.Status != model.InstanceRunnable {
		t.Errorf("scanPgInstance() = %+v", w)
	}
	if w.Data["amount"] != float64(42) {
		t.Errorf("Data = %v, want amount=42", w.Data)
	}
	if w.Tags["region"] != "us" {
		t.Errorf("Tags = %v, want region=us", w.Tags)
	}
}

func TestScanPgEventNotFound(t *testing.T) {
	row := &fakeRow{err: pgx.ErrNoRows}
	if _, err := scanPgEvent(row); err != ErrNotFound {
		t.Errorf("scanPgEvent() error = %v, want ErrNotFound", err)
	}
}

// The rest of PostgresStore's behavior (migration DDL, parameterized CRUD,
// transaction semantics) requires a live connection: pgxpool.Pool is a
// concrete type with no mockable interface in this pack's dependency set,
// unlike database/sql's *sql.DB which go-sqlmock substitutes for SQLiteStore.
// This integration test runs only when POSTGRES_TEST_DSN is set.
func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping live Postgres integration test")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	w := &model.WorkflowInstance{ID: "itest-wf-1", Status: model.InstanceRunnable, CreateTime: time.Now().UTC()}
	if err := s.CreateInstance(ctx, w); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	defer func() { _ = s.DeleteInstance(ctx, w.ID) }()

	got, err := s.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Status != model.InstanceRunnable {
		t.Errorf("GetInstance() status = %s, want Runnable", got.Status)
	}
}
