// internal/infra/etcd/etcd_registry.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"distributed-tasks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// NodeRegistryPrefix is where running nodes register themselves.
	NodeRegistryPrefix = "/tasks/nodes/"
)

// NodeRecord is the value stored under a node's registry key.
type NodeRecord struct {
	Node      domain.Node `json:"node"`
	Address   string      `json:"address,omitempty"`
	StartedAt time.Time   `json:"started_at"`
}

// Registry keeps this node's key alive under NodeRegistryPrefix for as long as
// the process runs.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

// NewRegistry creates a new node registry.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "node-registry"),
	}
}

// Register publishes the node with a lease of ttl seconds and keeps the lease alive.
func (r *Registry) Register(ctx context.Context, node domain.Node, addr string, ttl int64) error {
	r.key = NodeRegistryPrefix + node.ID
	data, err := json.Marshal(NodeRecord{Node: node, Address: addr, StartedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal node record: %w", err)
	}

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, string(data), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put node registration key: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for {
			ka, ok := <-keepAliveCh
			if !ok {
				r.logger.Warn("keep-alive channel closed, node registration may have expired")
				return
			}
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
	}()

	r.logger.Info("node registered successfully", "key", r.key, "node", node.Name)
	return nil
}

// Deregister removes the registration. Lock holders of this node are then
// treated as dead by the janitor.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering node", "key", r.key)
	if r.cancel != nil {
		r.cancel()
	}
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
