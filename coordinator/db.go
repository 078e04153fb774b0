package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBCoordinator implements Coordinator over a shared Postgres pool using
// a leases table with optimistic compare-and-swap on expiry, the
// multi-node default. Leases are coordination metadata, a distinct
// concern from durable workflow state, so they get their own table
// rather than reusing Store.
type DBCoordinator struct {
	pool *pgxpool.Pool
}

// NewDBCoordinator opens a coordinator over pool, creating its schema.
func NewDBCoordinator(ctx context.Context, pool *pgxpool.Pool) (*DBCoordinator, error) {
	c := &DBCoordinator{pool: pool}
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DBCoordinator) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leases (
			instance_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			node_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_nodes (
			node_id TEXT PRIMARY KEY,
			last_heartbeat TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("coordinator: migrate: %w", err)
		}
	}
	return nil
}

// AcquireLease succeeds if no lease row exists for instanceID, or the
// existing one has expired. Ties are broken by Postgres row-level
// locking inside the single UPSERT statement, giving exclusive
// acquisition without a separate advisory-lock step.
func (c *DBCoordinator) AcquireLease(ctx context.Context, instanceID, nodeID string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	expiresAt := time.Now().Add(ttl)

	tag, err := c.pool.Exec(ctx, `
		INSERT INTO leases (instance_id, token, node_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instance_id) DO UPDATE
			SET token = EXCLUDED.token, node_id = EXCLUDED.node_id, expires_at = EXCLUDED.expires_at
			WHERE leases.expires_at <= NOW()`,
		instanceID, token, nodeID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("coordinator: acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil // held elsewhere
	}
	return &Lease{Token: token, InstanceID: instanceID, NodeID: nodeID, ExpiresAt: expiresAt}, nil
}

func (c *DBCoordinator) Renew(ctx context.Context, token string, ttl time.Duration) error {
	tag, err := c.pool.Exec(ctx, `UPDATE leases SET expires_at = $1 WHERE token = $2`, time.Now().Add(ttl), token)
	if err != nil {
		return fmt.Errorf("coordinator: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("coordinator: renew: lease token not found (expired or stolen)")
	}
	return nil
}

func (c *DBCoordinator) Release(ctx context.Context, token string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM leases WHERE token = $1`, token); err != nil {
		return fmt.Errorf("coordinator: release lease: %w", err)
	}
	return nil
}

func (c *DBCoordinator) RegisterNode(ctx context.Context, nodeID string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO cluster_nodes (node_id, last_heartbeat) VALUES ($1, NOW())
		ON CONFLICT (node_id) DO UPDATE SET last_heartbeat = NOW()`, nodeID)
	if err != nil {
		return fmt.Errorf("coordinator: register node: %w", err)
	}
	return nil
}

func (c *DBCoordinator) Heartbeat(ctx context.Context, nodeID string) error {
	return c.RegisterNode(ctx, nodeID)
}

// GetActiveNodes lists nodes whose heartbeat is within the liveness
// window the caller enforces (typically 2×heartbeat_interval); this
// method returns every known node with its last heartbeat and leaves the
// staleness judgment to the caller, which knows its own interval.
func (c *DBCoordinator) GetActiveNodes(ctx context.Context) ([]Node, error) {
	rows, err := c.pool.Query(ctx, `SELECT node_id, last_heartbeat FROM cluster_nodes ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get active nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("coordinator: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReapExpiredLeases deletes leases past expiry immediately rather than
// waiting for the next AcquireLease UPSERT to reclaim them — used by the
// scheduler's maintenance tick so a dead node's leases free up even for
// instances no one is currently trying to acquire.
func (c *DBCoordinator) ReapExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM leases WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("coordinator: reap expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}
