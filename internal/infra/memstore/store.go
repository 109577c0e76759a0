// Package memstore is an in-process domain.Store with the same optimistic
// transaction semantics as the etcd store. It backs single-node deployments
// and tests.
package memstore

import (
	"context"
	"strings"
	"sync"

	"distributed-tasks/internal/domain"
)

type entry struct {
	value    []byte
	revision int64
}

// Store keeps values in memory and versions every key with a global revision.
type Store struct {
	mu       sync.RWMutex
	data     map[string]entry
	revision int64
}

var _ domain.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Begin(context.Context) domain.Txn {
	return &txn{store: s, reads: make(map[string]int64), writes: make(map[string]*[]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

// Revision returns the store revision, which grows with every committed write.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

type txn struct {
	store  *Store
	reads  map[string]int64
	writes map[string]*[]byte // nil value deletes
	done   bool
}

func (t *txn) Get(_ context.Context, key string) ([]byte, bool, error) {
	if w, ok := t.writes[key]; ok {
		if w == nil {
			return nil, false, nil
		}
		return append([]byte(nil), (*w)...), true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	e, ok := t.store.data[key]
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = e.revision
	}
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (t *txn) Put(key string, value []byte) {
	v := append([]byte(nil), value...)
	t.writes[key] = &v
}

func (t *txn) Delete(key string) {
	t.writes[key] = nil
}

func (t *txn) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if len(t.writes) == 0 {
		return nil
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rev := range t.reads {
		if s.data[key].revision != rev {
			return domain.ErrConflict
		}
	}
	s.revision++
	for key, v := range t.writes {
		if v == nil {
			delete(s.data, key)
			continue
		}
		s.data[key] = entry{value: *v, revision: s.revision}
	}
	return nil
}

func (t *txn) Rollback() {
	t.done = true
}
