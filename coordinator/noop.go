package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoopCoordinator is the single-node default coordinator: an in-process
// mutex per instance id. No lease ever contends with another host
// because there is no other host.
type NoopCoordinator struct {
	mu     sync.Mutex
	leased map[string]string // instanceID -> token
}

// NewNoopCoordinator builds a single-node coordinator.
func NewNoopCoordinator() *NoopCoordinator {
	return &NoopCoordinator{leased: make(map[string]string)}
}

func (c *NoopCoordinator) AcquireLease(ctx context.Context, instanceID, nodeID string, ttl time.Duration) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.leased[instanceID]; held {
		return nil, nil
	}
	token := uuid.NewString()
	c.leased[instanceID] = token
	return &Lease{Token: token, InstanceID: instanceID, NodeID: nodeID, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (c *NoopCoordinator) Renew(ctx context.Context, token string, ttl time.Duration) error {
	return nil
}

func (c *NoopCoordinator) Release(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for instanceID, t := range c.leased {
		if t == token {
			delete(c.leased, instanceID)
			return nil
		}
	}
	return nil
}

func (c *NoopCoordinator) RegisterNode(ctx context.Context, nodeID string) error { return nil }

func (c *NoopCoordinator) Heartbeat(ctx context.Context, nodeID string) error { return nil }

func (c *NoopCoordinator) GetActiveNodes(ctx context.Context) ([]Node, error) {
	return []Node{{ID: "local", LastHeartbeat: time.Now()}}, nil
}
