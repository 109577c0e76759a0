// internal/infra/etcd/etcd_store.go
package etcd

import (
	"context"
	"fmt"

	"distributed-tasks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is a domain.Store on etcd. A transaction remembers the mod revision
// of every key it read and commits with one etcd Txn that compares them.
type Store struct {
	client *clientv3.Client
	tracer trace.Tracer
}

var _ domain.Store = (*Store)(nil)

func NewStore(client *clientv3.Client) *Store {
	return &Store{
		client: client,
		tracer: otel.Tracer("distributed-tasks-etcd-store"),
	}
}

func (s *Store) Begin(context.Context) domain.Txn {
	return &txn{store: s, reads: make(map[string]int64), writes: make(map[string]*string)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s from etcd: %w", prefix, err)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, nil
}

type txn struct {
	store  *Store
	reads  map[string]int64   // key -> mod revision, 0 if absent
	writes map[string]*string // nil deletes
	done   bool
}

func (t *txn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if w, ok := t.writes[key]; ok {
		if w == nil {
			return nil, false, nil
		}
		return []byte(*w), true, nil
	}
	resp, err := t.store.client.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	var rev int64
	if len(resp.Kvs) > 0 {
		rev = resp.Kvs[0].ModRevision
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = rev
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (t *txn) Put(key string, value []byte) {
	v := string(value)
	t.writes[key] = &v
}

func (t *txn) Delete(key string) {
	t.writes[key] = nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if len(t.writes) == 0 {
		return nil
	}

	ctx, span := t.store.tracer.Start(ctx, "store.etcd.Commit", trace.WithAttributes(
		attribute.Int("etcd.reads", len(t.reads)),
		attribute.Int("etcd.writes", len(t.writes)),
	))
	defer span.End()

	cmps := make([]clientv3.Cmp, 0, len(t.reads))
	for key, rev := range t.reads {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", rev))
	}
	ops := make([]clientv3.Op, 0, len(t.writes))
	for key, v := range t.writes {
		if v == nil {
			ops = append(ops, clientv3.OpDelete(key))
			continue
		}
		ops = append(ops, clientv3.OpPut(key, *v))
	}

	resp, err := t.store.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit etcd txn")
		return fmt.Errorf("failed to commit etcd txn: %w", err)
	}
	if !resp.Succeeded {
		span.SetStatus(codes.Error, "conflict")
		return domain.ErrConflict
	}
	return nil
}

func (t *txn) Rollback() {
	t.done = true
}
