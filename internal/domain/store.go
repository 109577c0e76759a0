package domain

import "context"

// Store is the shared transactional key/value store that replicated task logs live in.
// Transactions are optimistic: every key read inside a Txn is compared at commit time
// and Commit returns ErrConflict if any of them changed meanwhile.
type Store interface {
	Begin(ctx context.Context) Txn
	// Get reads a key outside of any transaction.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// List returns every key/value under prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Txn is a single optimistic transaction. It must be finished with Commit or Rollback.
type Txn interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(key string, value []byte)
	Delete(key string)
	Commit(ctx context.Context) error
	Rollback()
}
