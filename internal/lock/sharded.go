package lock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const shardCount = 64

// ShardedLocker is the in-process Locker: a fixed array of mutex shards
// keyed by FNV hash. Lock scope stays as narrow as the key: two traders
// rarely share a shard, and contention within a shard is still correct.
type ShardedLocker struct {
	shards [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	held map[string]string // key -> token
}

func NewShardedLocker() *ShardedLocker {
	l := &ShardedLocker{}
	for i := range l.shards {
		l.shards[i].held = make(map[string]string)
	}
	return l
}

func (l *ShardedLocker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Acquire takes the keyed lock with bounded retries. The ttl is accepted for
// interface parity with the distributed implementation; in-process locks are
// released explicitly and never expire.
func (l *ShardedLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	sh := l.shardFor(key)
	token := uuid.NewString()

	for attempt := 0; attempt <= acquireRetries; attempt++ {
		sh.mu.Lock()
		if _, taken := sh.held[key]; !taken {
			sh.held[key] = token
			sh.mu.Unlock()
			return Handle{Key: key, Token: token}, nil
		}
		sh.mu.Unlock()

		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return Handle{}, ErrSystemBusy
}

// Release frees the lock if the handle still owns it.
func (l *ShardedLocker) Release(h Handle) {
	sh := l.shardFor(h.Key)
	sh.mu.Lock()
	if sh.held[h.Key] == h.Token {
		delete(sh.held, h.Key)
	}
	sh.mu.Unlock()
}
