// internal/infra/etcd/etcd_membership.go
package etcd

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"distributed-tasks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Membership tracks registered nodes by watching NodeRegistryPrefix.
type Membership struct {
	client *clientv3.Client
	logger *slog.Logger
	nodes  map[string]domain.Node // node ID -> node
	ready  chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

var _ domain.Membership = (*Membership)(nil)

// NewMembership creates a new membership tracker. Call Watch to fill it.
func NewMembership(client *clientv3.Client, logger *slog.Logger) *Membership {
	return &Membership{
		client: client,
		logger: logger.With("component", "node-membership"),
		nodes:  make(map[string]domain.Node),
		ready:  make(chan struct{}),
	}
}

// Watch loads the current registrations and follows changes until ctx ends.
// This is a blocking call and should be run in a goroutine.
func (m *Membership) Watch(ctx context.Context) {
	m.logger.Info("starting to watch for nodes")

	rev, err := m.loadInitialNodes(ctx)
	if err != nil {
		m.logger.Error("failed to perform initial node load", "error", err)
	}
	m.once.Do(func() { close(m.ready) })

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	watchChan := m.client.Watch(ctx, NodeRegistryPrefix, opts...)

	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			id := strings.TrimPrefix(string(event.Kv.Key), NodeRegistryPrefix)

			m.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				node := decodeNode(id, event.Kv.Value)
				if _, ok := m.nodes[id]; !ok {
					m.logger.Info("node joined", "id", id, "name", node.Name)
				}
				m.nodes[id] = node
			case clientv3.EventTypeDelete:
				m.logger.Info("node left", "id", id, "name", m.nodes[id].Name)
				delete(m.nodes, id)
			}
			m.mu.Unlock()
		}
	}
	m.logger.Info("stopped watching for nodes")
}

// Ready is closed once the initial load finished.
func (m *Membership) Ready() <-chan struct{} {
	return m.ready
}

func (m *Membership) loadInitialNodes(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := m.client.Get(ctx, NodeRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), NodeRegistryPrefix)
		m.nodes[id] = decodeNode(id, kv.Value)
	}
	return resp.Header.Revision, nil
}

func decodeNode(id string, value []byte) domain.Node {
	var rec NodeRecord
	if err := json.Unmarshal(value, &rec); err != nil || rec.Node.ID == "" {
		return domain.Node{ID: id}
	}
	return rec.Node
}

// IsAlive reports whether node's process is still registered.
func (m *Membership) IsAlive(node domain.Node) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[node.ID]
	return ok
}

// Nodes returns a snapshot of the registered nodes ordered by name.
func (m *Membership) Nodes() []domain.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]domain.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}
