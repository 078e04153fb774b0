package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowhost/wfengine/model"
)

// PostgresStore is the production Store backend, built on jackc/pgx/v5's
// pgxpool for connection pooling. Schema mirrors SQLiteStore's six
// tables, using native JSONB columns instead of TEXT-encoded JSON.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			persistence_id BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			definition_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			data JSONB NOT NULL DEFAULT '{}',
			create_time TIMESTAMPTZ NOT NULL,
			complete_time TIMESTAMPTZ,
			next_execution TIMESTAMPTZ,
			node_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_runnable ON workflows(status, next_execution, create_time)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_definition ON workflows(definition_id)`,

		`CREATE TABLE IF NOT EXISTS execution_pointers (
			id TEXT PRIMARY KEY,
			workflow_instance_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			sleep_until TIMESTAMPTZ,
			event_name TEXT NOT NULL DEFAULT '',
			event_key TEXT NOT NULL DEFAULT '',
			event_published BOOLEAN NOT NULL DEFAULT FALSE,
			event_data JSONB,
			persistence_data JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			predecessor_id TEXT NOT NULL DEFAULT '',
			children JSONB NOT NULL DEFAULT '[]',
			outcome JSONB,
			scope JSONB NOT NULL DEFAULT '[]',
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pointers_instance ON execution_pointers(workflow_instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pointers_runnable ON execution_pointers(active, status, sleep_until, event_name)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			data JSONB,
			time TIMESTAMPTZ NOT NULL,
			is_processed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_name_key ON events(name, key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_processed ON events(is_processed, time)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			pointer_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_key TEXT NOT NULL DEFAULT '',
			subscribe_as_of TIMESTAMPTZ NOT NULL,
			subscription_data JSONB,
			external_token TEXT,
			external_worker_id TEXT,
			external_token_expiry TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_match ON subscriptions(event_name, event_key, subscribe_as_of)`,

		`CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			workflow_instance_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			pointer_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			start_time TIMESTAMPTZ,
			duration_ns BIGINT NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_instance ON execution_history(workflow_instance_id, event_time)`,

		`CREATE TABLE IF NOT EXISTS execution_errors (
			id TEXT PRIMARY KEY,
			workflow_instance_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			pointer_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			details JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_instance ON execution_errors(workflow_instance_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func pgJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// pgExecer abstracts *pgxpool.Pool and pgx.Tx for the helpers shared
// between direct Store methods and the transaction handle.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	dataJSON, err := pgJSON(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := pgJSON(w.Tags)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO workflows (id, definition_id, version, status, data, create_time, complete_time, next_execution, node_id, correlation_id, tags, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING persistence_id`,
		w.ID, w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CreateTime, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError,
	).Scan(&w.PersistenceID)
	if err != nil {
		return fmt.Errorf("store: create instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	dataJSON, err := pgJSON(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := pgJSON(w.Tags)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET definition_id=$1, version=$2, status=$3, data=$4, complete_time=$5, next_execution=$6, node_id=$7, correlation_id=$8, tags=$9, last_error=$10
		WHERE id=$11`,
		w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError, w.ID)
	if err != nil {
		return fmt.Errorf("store: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgInstanceCols = `persistence_id, id, definition_id, version, status, data, create_time, complete_time, next_execution, node_id, correlation_id, tags, last_error`

func scanPgInstance(row pgx.Row) (*model.WorkflowInstance, error) {
	var w model.WorkflowInstance
	var status string
	var dataJSON, tagsJSON []byte
	if err := row.Scan(&w.PersistenceID, &w.ID, &w.DefinitionID, &w.Version, &status, &dataJSON,
		&w.CreateTime, &w.CompleteTime, &w.NextExecution, &w.NodeID, &w.CorrelationID, &tagsJSON, &w.LastError); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan instance: %w", err)
	}
	w.Status = model.InstanceStatus(status)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &w.Data); err != nil {
			return nil, err
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &w.Tags); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgInstanceCols+` FROM workflows WHERE id=$1`, id)
	return scanPgInstance(row)
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE workflow_id=$1`, id); err != nil {
		return fmt.Errorf("store: delete subscriptions: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id=$1`, id); err != nil {
		return fmt.Errorf("store: delete instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRunnable(ctx context.Context, now time.Time, limit int) ([]*model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgInstanceCols+` FROM workflows w
		WHERE w.status = $1
		  AND (w.next_execution IS NULL OR w.next_execution <= $2)
		  AND EXISTS (
			SELECT 1 FROM execution_pointers p
			WHERE p.workflow_instance_id = w.id
			  AND p.active = TRUE
			  AND (
				(p.status = 'Pending' AND (p.sleep_until IS NULL OR p.sleep_until <= $2))
				OR (p.status = 'Sleeping' AND p.sleep_until IS NOT NULL AND p.sleep_until <= $2)
			  )
			  AND p.event_name = ''
		  )
		ORDER BY w.create_time ASC
		LIMIT $3`, string(model.InstanceRunnable), now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get runnable: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowInstance
	for rows.Next() {
		w, err := scanPgInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*model.WorkflowInstance, error) {
	var where []string
	var args []any
	idx := 1
	add := func(cond string, v any) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}
	if filter.DefinitionID != "" {
		add("definition_id = $%d", filter.DefinitionID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.CreatedAfter != nil {
		add("create_time >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("create_time <= $%d", *filter.CreatedBefore)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + pgInstanceCols + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY create_time ASC, id ASC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowInstance
	for rows.Next() {
		w, err := scanPgInstance(rows)
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

const pgPointerCols = `id, workflow_instance_id, step_id, step_name, active, status, sleep_until, event_name, event_key, event_published, event_data, persistence_data, retry_count, predecessor_id, children, outcome, scope, start_time, end_time`

func insertPgPointer(ctx context.Context, exec pgExecer, p *model.ExecutionPointer) error {
	eventData, err := pgJSON(p.EventData)
	if err != nil {
		return err
	}
	persistData, err := pgJSON(p.PersistenceData)
	if err != nil {
		return err
	}
	children, err := pgJSON(p.Children)
	if err != nil {
		return err
	}
	outcome, err := pgJSON(p.Outcome)
	if err != nil {
		return err
	}
	scope, err := pgJSON(p.Scope)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx, `
		INSERT INTO execution_pointers (`+pgPointerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.ID, p.WorkflowInstanceID, p.StepID, p.StepName, p.Active, string(p.Status), p.SleepUntil,
		p.EventName, p.EventKey, p.EventPublished, eventData, persistData, p.RetryCount, p.PredecessorID,
		children, outcome, scope, p.StartTime, p.EndTime)
	if err != nil {
		return fmt.Errorf("store: create pointer: %w", err)
	}
	return nil
}

func updatePgPointer(ctx context.Context, exec pgExecer, p *model.ExecutionPointer) error {
	eventData, err := pgJSON(p.EventData)
	if err != nil {
		return err
	}
	persistData, err := pgJSON(p.PersistenceData)
	if err != nil {
		return err
	}
	children, err := pgJSON(p.Children)
	if err != nil {
		return err
	}
	outcome, err := pgJSON(p.Outcome)
	if err != nil {
		return err
	}
	scope, err := pgJSON(p.Scope)
	if err != nil {
		return err
	}
	tag, err := exec.Exec(ctx, `
		UPDATE execution_pointers SET
			step_id=$1, step_name=$2, active=$3, status=$4, sleep_until=$5, event_name=$6, event_key=$7,
			event_published=$8, event_data=$9, persistence_data=$10, retry_count=$11, predecessor_id=$12,
			children=$13, outcome=$14, scope=$15, start_time=$16, end_time=$17
		WHERE id=$18`,
		p.StepID, p.StepName, p.Active, string(p.Status), p.SleepUntil, p.EventName, p.EventKey,
		p.EventPublished, eventData, persistData, p.RetryCount, p.PredecessorID, children, outcome,
		scope, p.StartTime, p.EndTime, p.ID)
	if err != nil {
		return fmt.Errorf("store: update pointer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	return insertPgPointer(ctx, s.pool, p)
}

func (s *PostgresStore) CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error {
	for _, p := range ps {
		if err := s.CreatePointer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpdatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	return updatePgPointer(ctx, s.pool, p)
}

func scanPgPointer(row pgx.Row) (*model.ExecutionPointer, error) {
	var p model.ExecutionPointer
	var status string
	var eventData, persistData, children, outcome, scope []byte
	if err := row.Scan(&p.ID, &p.WorkflowInstanceID, &p.StepID, &p.StepName, &p.Active, &status,
		&p.SleepUntil, &p.EventName, &p.EventKey, &p.EventPublished, &eventData, &persistData,
		&p.RetryCount, &p.PredecessorID, &children, &outcome, &scope, &p.StartTime, &p.EndTime); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan pointer: %w", err)
	}
	p.Status = model.PointerStatus(status)
	if len(eventData) > 0 {
		if err := json.Unmarshal(eventData, &p.EventData); err != nil {
			return nil, err
		}
	}
	if len(persistData) > 0 {
		if err := json.Unmarshal(persistData, &p.PersistenceData); err != nil {
			return nil, err
		}
	}
	if len(children) > 0 {
		if err := json.Unmarshal(children, &p.Children); err != nil {
			return nil, err
		}
	}
	if len(outcome) > 0 {
		if err := json.Unmarshal(outcome, &p.Outcome); err != nil {
			return nil, err
		}
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &p.Scope); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *PostgresStore) GetPointers(ctx context.Context, instanceID string) ([]*model.ExecutionPointer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgPointerCols+` FROM execution_pointers WHERE workflow_instance_id=$1 ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: get pointers: %w", err)
	}
	defer rows.Close()
	var out []*model.ExecutionPointer
	for rows.Next() {
		p, err := scanPgPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetActivePointers(ctx context.Context) ([]*model.ExecutionPointer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgPointerCols+` FROM execution_pointers WHERE active=TRUE`)
	if err != nil {
		return nil, fmt.Errorf("store: get active pointers: %w", err)
	}
	defer rows.Close()
	var out []*model.ExecutionPointer
	for rows.Next() {
		p, err := scanPgPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPointer(ctx context.Context, id string) (*model.ExecutionPointer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgPointerCols+` FROM execution_pointers WHERE id=$1`, id)
	return scanPgPointer(row)
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	data, err := pgJSON(e.Data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO events (id, name, key, data, time, is_processed) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.Name, e.Key, data, e.Time, e.IsProcessed)
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

func scanPgEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	var data []byte
	if err := row.Scan(&e.ID, &e.Name, &e.Key, &data, &e.Time, &e.IsProcessed); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan event: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, filter EventFilter) ([]*model.Event, error) {
	var where []string
	var args []any
	idx := 1
	if filter.Name != "" {
		where = append(where, fmt.Sprintf("name = $%d", idx))
		args = append(args, filter.Name)
		idx++
	}
	if filter.Key != "" {
		where = append(where, fmt.Sprintf("key = $%d", idx))
		args = append(args, filter.Key)
		idx++
	}
	if filter.ProcessedOnly != nil {
		where = append(where, fmt.Sprintf("is_processed = $%d", idx))
		args = append(args, *filter.ProcessedOnly)
		idx++
	}
	query := `SELECT id, name, key, data, time, is_processed FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get events: %w", err)
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE events SET is_processed=TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeEvents(ctx context.Context, olderThan time.Time, processedOnly bool) (int64, error) {
	query := `DELETE FROM events WHERE time <= $1`
	if processedOnly {
		query += ` AND is_processed = TRUE`
	}
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

const pgSubscriptionCols = `id, workflow_id, pointer_id, step_id, event_name, event_key, subscribe_as_of, subscription_data, external_token, external_worker_id, external_token_expiry`

func insertPgSubscription(ctx context.Context, exec pgExecer, sub *model.EventSubscription) error {
	data, err := pgJSON(sub.SubscriptionData)
	if err != nil {
		return err
	}
	var token, worker *string
	var expiry *time.Time
	if sub.External != nil {
		token, worker = &sub.External.Token, &sub.External.WorkerID
		expiry = &sub.External.ExpiresAt
	}
	_, err = exec.Exec(ctx, `
		INSERT INTO subscriptions (`+pgSubscriptionCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sub.ID, sub.WorkflowID, sub.PointerID, sub.StepID, sub.EventName, sub.EventKey, sub.SubscribeAsOf,
		data, token, worker, expiry)
	if err != nil {
		return fmt.Errorf("store: create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *model.EventSubscription) error {
	return insertPgSubscription(ctx, s.pool, sub)
}

func (s *PostgresStore) RemoveSubscription(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: remove subscription: %w", err)
	}
	return nil
}

func scanPgSubscription(row pgx.Row) (*model.EventSubscription, error) {
	var sub model.EventSubscription
	var data []byte
	var token, worker *string
	var expiry *time.Time
	if err := row.Scan(&sub.ID, &sub.WorkflowID, &sub.PointerID, &sub.StepID, &sub.EventName, &sub.EventKey,
		&sub.SubscribeAsOf, &data, &token, &worker, &expiry); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan subscription: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sub.SubscriptionData); err != nil {
			return nil, err
		}
	}
	if token != nil && *token != "" {
		sub.External = &model.ExternalToken{Token: *token}
		if worker != nil {
			sub.External.WorkerID = *worker
		}
		if expiry != nil {
			sub.External.ExpiresAt = *expiry
		}
	}
	return &sub, nil
}

func getPgSubscriptions(ctx context.Context, exec pgExecer, eventName, eventKey string) ([]*model.EventSubscription, error) {
	rows, err := exec.Query(ctx, `
		SELECT `+pgSubscriptionCols+` FROM subscriptions
		WHERE event_name = $1 AND (event_key = '' OR event_key = $2)
		ORDER BY subscribe_as_of ASC, id ASC`, eventName, eventKey)
	if err != nil {
		return nil, fmt.Errorf("store: get subscriptions: %w", err)
	}
	defer rows.Close()
	var out []*model.EventSubscription
	for rows.Next() {
		sub, err := scanPgSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSubscriptions(ctx context.Context, eventName, eventKey string) ([]*model.EventSubscription, error) {
	return getPgSubscriptions(ctx, s.pool, eventName, eventKey)
}

func insertPgHistory(ctx context.Context, exec pgExecer, h *model.ExecutionHistoryEntry) error {
	_, err := exec.Exec(ctx, `
		INSERT INTO execution_history (id, workflow_instance_id, pointer_id, step_id, step_name, kind, event_time, start_time, duration_ns, correlation_id, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		h.ID, h.WorkflowInstanceID, h.PointerID, h.StepID, h.StepName, string(h.Kind), h.EventTime, h.StartTime,
		h.Duration.Nanoseconds(), h.CorrelationID, h.Message)
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, h *model.ExecutionHistoryEntry) error {
	return insertPgHistory(ctx, s.pool, h)
}

func (s *PostgresStore) GetHistory(ctx context.Context, instanceID string) ([]*model.ExecutionHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, pointer_id, step_id, step_name, kind, event_time, start_time, duration_ns, correlation_id, message
		FROM execution_history WHERE workflow_instance_id=$1 ORDER BY event_time ASC, id ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: get history: %w", err)
	}
	defer rows.Close()
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

func insertPgError(ctx context.Context, exec pgExecer, e *model.ExecutionError) error {
	details, err := pgJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx, `
		INSERT INTO execution_errors (id, workflow_instance_id, pointer_id, step_id, kind, message, details, retry_count, resolved, time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.WorkflowInstanceID, e.PointerID, e.StepID, string(e.Kind), e.Message, details, e.RetryCount, e.Resolved, e.Time)
	if err != nil {
		return fmt.Errorf("store: append error: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendError(ctx context.Context, e *model.ExecutionError) error {
	return insertPgError(ctx, s.pool, e)
}

func (s *PostgresStore) GetErrors(ctx context.Context, instanceID string) ([]*model.ExecutionError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, pointer_id, step_id, kind, message, details, retry_count, resolved, time
		FROM execution_errors WHERE workflow_instance_id=$1 ORDER BY time ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: get errors: %w", err)
	}
	defer rows.Close()
	var out []*model.ExecutionError
	for rows.Next() {
		var e model.ExecutionError
		var kind string
		var details []byte
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &e.PointerID, &e.StepID, &kind, &e.Message,
			&details, &e.RetryCount, &e.Resolved, &e.Time); err != nil {
			return nil, fmt.Errorf("store: scan error: %w", err)
		}
		e.Kind = model.ErrorKind(kind)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{InstancesByStatus: make(StatusCounts), PerStepAvgDuration: make(map[string]time.Duration)}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: statistics: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.InstancesByStatus[model.InstanceStatus(status)] = n
	}
	rows.Close()

	var avgSeconds *float64
	if err := s.pool.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM AVG(complete_time - create_time))
		FROM workflows WHERE complete_time IS NOT NULL`).Scan(&avgSeconds); err == nil && avgSeconds != nil {
		stats.AvgExecutionTime = time.Duration(*avgSeconds * float64(time.Second))
	}

	stepRows, err := s.pool.Query(ctx, `
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
		stepRows.Close()
	}

	return stats, nil
}

func (s *PostgresStore) PurgeWorkflows(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflows
		WHERE complete_time IS NOT NULL AND complete_time <= $1
		  AND status IN ('Complete', 'Terminated')`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: purge workflows: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE pointer_id NOT IN (SELECT id FROM execution_pointers)`); err != nil {
		return tag.RowsAffected(), fmt.Errorf("store: purge orphaned subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Optimize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "ANALYZE")
	if err != nil {
		return fmt.Errorf("store: optimize: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- transactions ---

type postgresTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (t *postgresTx) CreateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	dataJSON, err := pgJSON(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := pgJSON(w.Tags)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO workflows (id, definition_id, version, status, data, create_time, complete_time, next_execution, node_id, correlation_id, tags, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING persistence_id`,
		w.ID, w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CreateTime, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError,
	).Scan(&w.PersistenceID)
	if err != nil {
		return fmt.Errorf("store: tx create instance: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateInstance(ctx context.Context, w *model.WorkflowInstance) error {
	dataJSON, err := pgJSON(w.Data)
	if err != nil {
		return err
	}
	tagsJSON, err := pgJSON(w.Tags)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE workflows SET definition_id=$1, version=$2, status=$3, data=$4, complete_time=$5, next_execution=$6, node_id=$7, correlation_id=$8, tags=$9, last_error=$10
		WHERE id=$11`,
		w.DefinitionID, w.Version, string(w.Status), dataJSON, w.CompleteTime, w.NextExecution, w.NodeID, w.CorrelationID, tagsJSON, w.LastError, w.ID)
	if err != nil {
		return fmt.Errorf("store: tx update instance: %w", err)
	}
	return nil
}

func (t *postgresTx) CreatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	return insertPgPointer(ctx, t.tx, p)
}

func (t *postgresTx) CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error {
	for _, p := range ps {
		if err := t.CreatePointer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *postgresTx) UpdatePointer(ctx context.Context, p *model.ExecutionPointer) error {
	return updatePgPointer(ctx, t.tx, p)
}

func (t *postgresTx) CreateHistory(ctx context.Context, h *model.ExecutionHistoryEntry) error {
	return insertPgHistory(ctx, t.tx, h)
}

func (t *postgresTx) CreateSubscription(ctx context.Context, sub *model.EventSubscription) error {
	return insertPgSubscription(ctx, t.tx, sub)
}

func (t *postgresTx) RemoveSubscription(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: tx remove subscription: %w", err)
	}
	return nil
}

func (t *postgresTx) GetSubscriptions(ctx context.Context, eventName, eventKey string) ([]*model.EventSubscription, error) {
	return getPgSubscriptions(ctx, t.tx, eventName, eventKey)
}

func (t *postgresTx) CreateEvent(ctx context.Context, e *model.Event) error {
	data, err := pgJSON(e.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO events (id, name, key, data, time, is_processed) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.Name, e.Key, data, e.Time, e.IsProcessed)
	if err != nil {
		return fmt.Errorf("store: tx create event: %w", err)
	}
	return nil
}

func (t *postgresTx) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `UPDATE events SET is_processed=TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("store: tx mark processed: %w", err)
	}
	return nil
}

func (t *postgresTx) CreateError(ctx context.Context, e *model.ExecutionError) error {
	return insertPgError(ctx, t.tx, e)
}

func (t *postgresTx) GetPointer(ctx context.Context, id string) (*model.ExecutionPointer, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgPointerCols+` FROM execution_pointers WHERE id=$1`, id)
	return scanPgPointer(row)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}
