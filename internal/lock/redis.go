package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if the caller still owns it, so an
// expired-and-reacquired lock is never released by its previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker over Redis SET NX with a per-handle token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedisLocker(client *redis.Client, prefix string, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, log: log}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	for attempt := 0; attempt <= acquireRetries; attempt++ {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("lock acquire error")
		} else if ok {
			return Handle{Key: fullKey, Token: token}, nil
		}

		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return Handle{}, ErrSystemBusy
}

func (l *RedisLocker) Release(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{h.Key}, h.Token).Err(); err != nil && err != redis.Nil {
		l.log.Warn().Err(err).Str("key", h.Key).Msg("lock release error")
	}
}
