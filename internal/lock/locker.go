// Package lock provides the mutual-exclusion capability used to serialize
// balance and order-margin mutations. The core depends only on the Locker
// interface; single-instance deployments use the sharded in-process
// implementation, multi-instance deployments use the Redis implementation.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrSystemBusy is surfaced to callers when a lock cannot be acquired
// within the bounded retries.
var ErrSystemBusy = errors.New("system busy")

// Handle represents one held lock.
type Handle struct {
	Key   string
	Token string
}

// Locker is the keyed mutual-exclusion capability.
type Locker interface {
	// Acquire takes the lock for key, holding it at most ttl. It retries a
	// bounded number of times and returns ErrSystemBusy on exhaustion.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)

	// Release frees a previously acquired lock.
	Release(Handle)
}

const (
	acquireRetries = 3
	retryDelay     = 20 * time.Millisecond
)
