package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowhost/wfengine/model"
)

// SQLiteStore is the embedded/dev Store backend: WAL-mode + busy-timeout
// + foreign-keys pragma setup on open, CREATE-TABLE-IF-NOT-EXISTS-plus-
// indexes migrations, and plain INSERT/UPDATE statements (no upserts)
// across the engine's six-table schema.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed Store at
// path. Pass ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// newSQLiteStoreFromDB wraps an already-open *sql.DB without running
// pragmas or migration, so tests can inject a go-sqlmock-backed *sql.DB
// and assert how SQLiteStore propagates driver-level errors that a real
// SQLite connection won't reliably produce on demand.
func newSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			persistence_id INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			definition_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			create_time TIMESTAMP NOT NULL,
			complete_time TIMESTAMP,
			next_execution TIMESTAMP,
			node_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_runnable ON workflows(status, next_execution, create_time)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_definition ON workflows(definition_id)`,

		`CREATE TABLE IF NOT EXISTS execution_pointers (
			id TEXT PRIMARY KEY,
			workflow_instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			active INTEGER NOT NULL,
			status TEXT NOT NULL,
			sleep_until TIMESTAMP,
			event_name TEXT NOT NULL DEFAULT '',
			event_key TEXT NOT NULL DEFAULT '',
			event_published INTEGER NOT NULL DEFAULT 0,
			event_data TEXT,
			persistence_data TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			predecessor_id TEXT NOT NULL DEFAULT '',
			children TEXT NOT NULL DEFAULT '[]',
			outcome TEXT,
			scope TEXT NOT NULL DEFAULT '[]',
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			FOREIGN KEY(workflow_instance_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pointers_instance ON execution_pointers(workflow_instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pointers_runnable ON execution_pointers(active, status, sleep_until, event_name)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			data TEXT,
			time TIMESTAMP NOT NULL,
			is_processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_name_key ON events(name, key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_processed ON events(is_processed, time)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			pointer_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_key TEXT NOT NULL DEFAULT '',
			subscribe_as_of TIMESTAMP NOT NULL,
			subscription_data TEXT,
			external_token TEXT,
			external_worker_id TEXT,
			external_token_expiry TIMESTAMP,
			FOREIGN KEY(workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_match ON subscriptions(event_name, event_key, subscribe_as_of)`,

		`CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			workflow_instance_id TEXT NOT NULL,
			pointer_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			event_time TIMESTAMP NOT NULL,
			start_time TIMESTAMP,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(workflow_instance_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_instance ON execution_history(workflow_instance_id, event_time)`,

		`CREATE TABLE IF NOT EXISTS execution_errors (
			id TEXT PRIMARY KEY,
			workflow_instance_id TEXT NOT NULL,
			pointer_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			time TIMESTAMP NOT NULL,
			FOREIGN KEY(workflow_instance_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_instance ON execution_errors(workflow_instance_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

func jsonOf(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(raw *string, out any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), out)
}

// --- instances ---

func (s *SQLiteStore) CreateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	dataJSON, err := jsonOf(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := jsonOf(w.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, definition_id, version, status, data, create_time, complete_time, next_execution, node_id, correlation_id, tags, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CreateTime, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError)
	if err != nil {
		return fmt.Errorf("store: create instance: %w", err)
	}
	id, _ := res.LastInsertId()
	w.PersistenceID = id
	return nil
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	dataJSON, err := jsonOf(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := jsonOf(w.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET definition_id=?, version=?, status=?, data=?, complete_time=?, next_execution=?, node_id=?, correlation_id=?, tags=?, last_error=?
		WHERE id=?`,
		w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError, w.ID)
	if err != nil {
		return fmt.Errorf("store: update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) scanInstance(row interface {
	Scan(dest ...any) error
}) (*model.WorkflowInstance, error) {
	var w model.WorkflowInstance
	var status string
	var dataJSON, tagsJSON sql.NullString
	if err := row.Scan(&w.PersistenceID, &w.ID, &w.DefinitionID, &w.Version, &status, &dataJSON,
		&w.CreateTime, &w.CompleteTime, &w.NextExecution, &w.NodeID, &w.CorrelationID, &tagsJSON, &w.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan instance: %w", err)
	}
	w.Status = model.InstanceStatus(status)
	if dataJSON.Valid {
		if err := scanJSON(&dataJSON.String, &w.Data); err != nil {
			return nil, err
		}
	}
	if tagsJSON.Valid {
		if err := scanJSON(&tagsJSON.String, &w.Tags); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

const instanceCols = `persistence_id, id, definition_id, version, status, data, create_time, complete_time, next_execution, node_id, correlation_id, tags, last_error`

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflows WHERE id=?`, id)
	return s.scanInstance(row)
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	// I1: cascade via FK ON DELETE CASCADE. Subscriptions also cascade
	// through their workflow_id FK; they are deleted explicitly first all
	// the same, so a failure there is reported on its own.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE workflow_id=?`, id); err != nil {
		return fmt.Errorf("store: delete subscriptions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id); err != nil {
		return fmt.Errorf("store: delete instance: %w", err)
	}
	return nil // idempotent: a missing row is not an error (§4.2)
}

func (s *SQLiteStore) GetRunnable(ctx context.Context, now time.Time, limit int) ([]*model.WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM workflows w
		WHERE w.status = ?
		  AND (w.next_execution IS NULL OR w.next_execution <= ?)
		  AND EXISTS (
			SELECT 1 FROM execution_pointers p
			WHERE p.workflow_instance_id = w.id
			  AND p.active = 1
			  AND (
				(p.status = 'Pending' AND (p.sleep_until IS NULL OR p.sleep_until <= ?))
				OR (p.status = 'Sleeping' AND p.sleep_until IS NOT NULL AND p.sleep_until <= ?)
			  )
			  AND p.event_name = ''
		  )
		ORDER BY w.create_time ASC
		LIMIT ?`, string(model.InstanceRunnable), now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get runnable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.WorkflowInstance
	for rows.Next() {
		w, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*model.WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var where []string
	var args []any
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CreatedAfter != nil {
		where = append(where, "create_time >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "create_time <= ?")
		args = append(args, *filter.CreatedBefore)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + instanceCols + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY create_time ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.WorkflowInstance
	for rows.Next() {
		w, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.Tags) > 0 && !hasAllTags(w.Tags, filter.Tags) {
			continue
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- pointers ---

const pointerCols = `id, workflow_instance_id, step_id, step_name, active, status, sleep_until, event_name, event_key, event_published, event_data, persistence_data, retry_count, predecessor_id, children, outcome, scope, start_time, end_time`

func (s *SQLiteStore) insertPointer(ctx context.Context, exec execer, p *model.ExecutionPointer) error {
	eventData, err := jsonOf(p.EventData)
	if err != nil {
		return err
	}
	persistData, err := jsonOf(p.PersistenceData)
	if err != nil {
		return err
	}
	children, err := jsonOf(p.Children)
	if err != nil {
		return err
	}
	outcome, err := jsonOf(p.Outcome)
	if err != nil {
		return err
	}
	scope, err := jsonOf(p.Scope)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO execution_pointers (`+pointerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkflowInstanceID, p.StepID, p.StepName, p.Active, string(p.Status), p.SleepUntil,
		p.EventName, p.EventKey, p.EventPublished, eventData, persistData, p.RetryCount, p.PredecessorID,
		children, outcome, scope, p.StartTime, p.EndTime)
	if err != nil {
		return fmt.Errorf("store: create pointer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) updatePointer(ctx context.Context, exec execer, p *model.ExecutionPointer) error {
	eventData, err := jsonOf(p.EventData)
	if err != nil {
		return err
	}
	persistData, err := jsonOf(p.PersistenceData)
	if err != nil {
		return err
	}
	children, err := jsonOf(p.Children)
	if err != nil {
		return err
	}
	outcome, err := jsonOf(p.Outcome)
	if err != nil {
		return err
	}
	scope, err := jsonOf(p.Scope)
	if err != nil {
		return err
	}
	res, err := exec.ExecContext(ctx, `
		UPDATE execution_pointers SET
			step_id=?, step_name=?, active=?, status=?, sleep_until=?, event_name=?, event_key=?,
			event_published=?, event_data=?, persistence_data=?, retry_count=?, predecessor_id=?,
			children=?, outcome=?, scope=?, start_time=?, end_time=?
		WHERE id=?`,
		p.StepID, p.StepName, p.Active, string(p.Status), p.SleepUntil, p.EventName, p.EventKey,
		p.EventPublished, eventData, persistData, p.RetryCount, p.PredecessorID, children, outcome,
		scope, p.StartTime, p.EndTime, p.ID)
	if err != nil {
		return fmt.Errorf("store: update pointer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// execer abstracts over *sql.DB and *sql.Tx for the few helpers shared
// between direct Store methods and the BeginTx transaction handle.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) CreatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.insertPointer(ctx, s.db, p)
}

func (s *SQLiteStore) CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error {
	for _, p := range ps {
		if err := s.CreatePointer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) UpdatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updatePointer(ctx, s.db, p)
}

func (s *SQLiteStore) scanPointer(row interface{ Scan(dest ...any) error }) (*model.ExecutionPointer, error) {
	var p model.ExecutionPointer
	var status string
	var eventData, persistData, children, outcome, scope sql.NullString
	if err := row.Scan(&p.ID, &p.WorkflowInstanceID, &p.StepID, &p.StepName, &p.Active, &status,
		&p.SleepUntil, &p.EventName, &p.EventKey, &p.EventPublished, &eventData, &persistData,
		&p.RetryCount, &p.PredecessorID, &children, &outcome, &scope, &p.StartTime, &p.EndTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan pointer: %w", err)
	}
	p.Status = model.PointerStatus(status)
	if err := scanJSON(&eventData.String, &p.EventData); err != nil {
		return nil, err
	}
	if err := scanJSON(&persistData.String, &p.PersistenceData); err != nil {
		return nil, err
	}
	if children.Valid {
		if err := scanJSON(&children.String, &p.Children); err != nil {
			return nil, err
		}
	}
	if outcome.Valid && outcome.String != "" {
		if err := json.Unmarshal([]byte(outcome.String), &p.Outcome); err != nil {
			return nil, err
		}
	}
	if scope.Valid {
		if err := scanJSON(&scope.String, &p.Scope); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *SQLiteStore) GetPointers(ctx context.Context, instanceID string) ([]*model.ExecutionPointer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+pointerCols+` FROM execution_pointers WHERE workflow_instance_id=? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: get pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.ExecutionPointer
	for rows.Next() {
		p, err := s.scanPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetActivePointers(ctx context.Context) ([]*model.ExecutionPointer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+pointerCols+` FROM execution_pointers WHERE active=1`)
	if err != nil {
		return nil, fmt.Errorf("store: get active pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.ExecutionPointer
	for rows.Next() {
		p, err := s.scanPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPointer(ctx context.Context, id string) (*model.ExecutionPointer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+pointerCols+` FROM execution_pointers WHERE id=?`, id)
	return s.scanPointer(row)
}

// --- events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, e *model.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := jsonOf(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, name, key, data, time, is_processed) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Key, data, e.Time, e.IsProcessed)
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanEvent(row interface{ Scan(dest ...any) error }) (*model.Event, error) {
	var e model.Event
	var data sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &e.Key, &data, &e.Time, &e.IsProcessed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan event: %w", err)
	}
	if err := scanJSON(&data.String, &e.Data); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*model.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var where []string
	var args []any
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Key != "" {
		where = append(where, "key = ?")
		args = append(args, filter.Key)
	}
	if filter.ProcessedOnly != nil {
		where = append(where, "is_processed = ?")
		args = append(args, *filter.ProcessedOnly)
	}
	query := `SELECT id, name, key, data, time, is_processed FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	_, err := s.db.ExecContext(ctx, `UPDATE events SET is_processed=1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeEvents(ctx context.Context, olderThan time.Time, processedOnly bool) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	query := `DELETE FROM events WHERE time <= ?`
	args := []any{olderThan}
	if processedOnly {
		query += ` AND is_processed = 1`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func inClause(ids []string) (string, []any) {
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return ph, args
}

// --- subscriptions ---

const subscriptionCols = `id, workflow_id, pointer_id, step_id, event_name, event_key, subscribe_as_of, subscription_data, external_token, external_worker_id, external_token_expiry`

func (s *SQLiteStore) insertSubscription(ctx context.Context, exec execer, sub *model.EventSubscription) error {
	data, err := jsonOf(sub.SubscriptionData)
	if err != nil {
		return err
	}
	var token, worker string
	var expiry *time.Time
	if sub.External != nil {
		token, worker = sub.External.Token, sub.External.WorkerID
		expiry = &sub.External.ExpiresAt
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.WorkflowID, sub.PointerID, sub.StepID, sub.EventName, sub.EventKey, sub.SubscribeAsOf,
		data, token, worker, expiry)
	if err != nil {
		return fmt.Errorf("store: create subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *model.EventSubscription) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.insertSubscription(ctx, s.db, sub)
}

func (s *SQLiteStore) RemoveSubscription(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("store: remove subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSubscription(row interface{ Scan(dest ...any) error }) (*model.EventSubscription, error) {
	var sub model.EventSubscription
	var data sql.NullString
	var token, worker sql.NullString
	var expiry sql.NullTime
	if err := row.Scan(&sub.ID, &sub.WorkflowID, &sub.PointerID, &sub.StepID, &sub.EventName, &sub.EventKey,
		&sub.SubscribeAsOf, &data, &token, &worker, &expiry); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan subscription: %w", err)
	}
	if err := scanJSON(&data.String, &sub.SubscriptionData); err != nil {
		return nil, err
	}
	if token.Valid && token.String != "" {
		sub.External = &model.ExternalToken{Token: token.String, WorkerID: worker.String}
		if expiry.Valid {
			sub.External.ExpiresAt = expiry.Time
		}
	}
	return &sub, nil
}

func (s *SQLiteStore) getSubscriptions(ctx context.Context, exec execer, eventName, eventKey string) ([]*model.EventSubscription, error) {
	rows, err := exec.QueryContext(ctx, `
		SELECT `+subscriptionCols+` FROM subscriptions
		WHERE event_name = ? AND (event_key = '' OR event_key = ?)
		ORDER BY subscribe_as_of ASC, id ASC`, eventName, eventKey)
	if err != nil {
		return nil, fmt.Errorf("store: get subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.EventSubscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSubscriptions(ctx context.Context, eventName, eventKey string) ([]*model.EventSubscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.getSubscriptions(ctx, s.db, eventName, eventKey)
}

// --- history & errors ---

func (s *SQLiteStore) AppendHistory(ctx context.Context, h *model.ExecutionHistoryEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.insertHistory(ctx, s.db, h)
}

func (s *SQLiteStore) insertHistory(ctx context.Context, exec execer, h *model.ExecutionHistoryEntry) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO execution_history (id, workflow_instance_id, pointer_id, step_id, step_name, kind, event_time, start_time, duration_ns, correlation_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.WorkflowInstanceID, h.PointerID, h.StepID, h.StepName, string(h.Kind), h.EventTime, h.StartTime,
		h.Duration.Nanoseconds(), h.CorrelationID, h.Message)
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, instanceID string) ([]*model.ExecutionHistoryEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_instance_id, pointer_id, step_id, step_name, kind, event_time, start_time, duration_ns, correlation_id, message
		FROM execution_history WHERE workflow_instance_id=? ORDER BY event_time ASC, id ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: get history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.ExecutionHistoryEntry
	for rows.Next() {
		var h model.ExecutionHistoryEntry
		var kind string
		var durNs int64
		if err := rows.Scan(&h.ID, &h.WorkflowInstanceID, &h.PointerID, &h.StepID, &h.StepName, &kind,
			&h.EventTime, &h.StartTime, &durNs, &h.CorrelationID, &h.Message); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		h.Kind = model.HistoryKind(kind)
		h.Duration = time.Duration(durNs)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendError(ctx context.Context, e *model.ExecutionError) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.insertError(ctx, s.db, e)
}

func (s *SQLiteStore) insertError(ctx context.Context, exec execer, e *model.ExecutionError) error {
	details, err := jsonOf(e.Details)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO execution_errors (id, workflow_instance_id, pointer_id, step_id, kind, message, details, retry_count, resolved, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowInstanceID, e.PointerID, e.StepID, string(e.Kind), e.Message, details, e.RetryCount, e.Resolved, e.Time)
	if err != nil {
		return fmt.Errorf("store: append error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetErrors(ctx context.Context, instanceID string) ([]*model.ExecutionError, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_instance_id, pointer_id, step_id, kind, message, details, retry_count, resolved, time
		FROM execution_errors WHERE workflow_instance_id=? ORDER BY time ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: get errors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.ExecutionError
	for rows.Next() {
		var e model.ExecutionError
		var kind string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &e.PointerID, &e.StepID, &kind, &e.Message,
			&details, &e.RetryCount, &e.Resolved, &e.Time); err != nil {
			return nil, fmt.Errorf("store: scan error: %w", err)
		}
		e.Kind = model.ErrorKind(kind)
		if err := scanJSON(&details.String, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- statistics & maintenance ---

func (s *SQLiteStore) Statistics(ctx context.Context) (*Statistics, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	stats := &Statistics{InstancesByStatus: make(StatusCounts), PerStepAvgDuration: make(map[string]time.Duration)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: statistics: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.InstancesByStatus[model.InstanceStatus(status)] = n
	}
	_ = rows.Close()

	var avgSeconds sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(complete_time) - julianday(create_time)) * 86400.0)
		FROM workflows WHERE complete_time IS NOT NULL`).Scan(&avgSeconds); err == nil && avgSeconds.Valid {
		stats.AvgExecutionTime = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}

	stepRows, err := s.db.QueryContext(ctx, `
		SELECT step_name, AVG(duration_ns) FROM execution_history
		WHERE kind = 'StepCompleted' GROUP BY step_name`)
	if err == nil {
		for stepRows.Next() {
			var name string
			var avgNs float64
			if err := stepRows.Scan(&name, &avgNs); err == nil {
				stats.PerStepAvgDuration[name] = time.Duration(avgNs)
			}
		}
		_ = stepRows.Close()
	}

	return stats, nil
}

func (s *SQLiteStore) PurgeWorkflows(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflows
		WHERE complete_time IS NOT NULL AND complete_time <= ?
		  AND status IN ('Complete', 'Terminated')`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: purge workflows: %w", err)
	}
	n, _ := res.RowsAffected()

	// Also purge subscriptions orphaned by a pointer deletion that
	// didn't go through DeleteInstance.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE pointer_id NOT IN (SELECT id FROM execution_pointers)`); err != nil {
		return n, fmt.Errorf("store: purge orphaned subscriptions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Optimize(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	if err != nil {
		return fmt.Errorf("store: optimize: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path, for logging.
func (s *SQLiteStore) Path() string { return s.path }

// --- transactions ---

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &sqliteTx{store: s, tx: tx}, nil
}

func (t *sqliteTx) CreateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	dataJSON, err := jsonOf(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := jsonOf(w.Tags)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflows (id, definition_id, version, status, data, create_time, complete_time, next_execution, node_id, correlation_id, tags, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CreateTime, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError)
	if err != nil {
		return fmt.Errorf("store: tx create instance: %w", err)
	}
	id, _ := res.LastInsertId()
	w.PersistenceID = id
	return nil
}

func (t *sqliteTx) UpdateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	dataJSON, err := jsonOf(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := jsonOf(w.Tags)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE workflows SET definition_id=?, version=?, status=?, data=?, complete_time=?, next_execution=?, node_id=?, correlation_id=?, tags=?, last_error=?
		WHERE id=?`,
		w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError, w.ID)
	if err != nil {
		return fmt.Errorf("store: tx update instance: %w", err)
	}
	return nil
}

func (t *sqliteTx) CreatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	return t.store.insertPointer(ctx, t.tx, p)
}

func (t *sqliteTx) CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error {
	for _, p := range ps {
		if err := t.CreatePointer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) UpdatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	return t.store.updatePointer(ctx, t.tx, p)
}

func (t *sqliteTx) CreateHistory(ctx context.Context, h *model.ExecutionHistoryEntry) error {
	return t.store.insertHistory(ctx, t.tx, h)
}

func (t *sqliteTx) CreateSubscription(ctx context.Context, sub *model.EventSubscription) error {
	return t.store.insertSubscription(ctx, t.tx, sub)
}

func (t *sqliteTx) RemoveSubscription(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("store: tx remove subscription: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetSubscriptions(ctx context.Context, eventName, eventKey string) ([]*model.EventSubscription, error) {
	return t.store.getSubscriptions(ctx, t.tx, eventName, eventKey)
}

func (t *sqliteTx) CreateEvent(ctx context.Context, e *model.Event) error {
	data, err := jsonOf(e.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO events (id, name, key, data, time, is_processed) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Key, data, e.Time, e.IsProcessed)
	if err != nil {
		return fmt.Errorf("store: tx create event: %w", err)
	}
	return nil
}

func (t *sqliteTx) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	_, err := t.tx.ExecContext(ctx, `UPDATE events SET is_processed=1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("store: tx mark processed: %w", err)
	}
	return nil
}

func (t *sqliteTx) CreateError(ctx context.Context, e *model.ExecutionError) error {
	return t.store.insertError(ctx, t.tx, e)
}

func (t *sqliteTx) GetPointer(ctx context.Context, id string) (*model.ExecutionPointer, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+pointerCols+` FROM execution_pointers WHERE id=?`, id)
	return t.store.scanPointer(row)
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}
