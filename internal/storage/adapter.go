// Package storage provides the minimal key-value abstraction every other
// package persists through: get/put/del/list-by-prefix. Grounded on the
// teacher's internal/crypto/session_store.go (InMemorySessionStore,
// FileSessionStore load-all/write-all pattern) and
// original_source/.../storage.rs's StorageAdapter trait.
package storage

import "context"

// Adapter is a minimal durable key-value store. Implementations must be
// safe for concurrent use.
type Adapter interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
	// List returns every key with the given prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)
}
