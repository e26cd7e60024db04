// Package store provides the pluggable key-value persistence used for
// warm restarts and durable side records. The ledger itself is in memory;
// this layer only has to survive a process restart, not serve reads on
// the hot path.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// KV is the persistence surface. Backend is selected by config: memory
// (tests, single-node dev), redis, or postgres.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}
