package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only when it still holds our token, so an expired lease taken over
// by another instance is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client        redis.UniversalClient
	prefix        string
	retryInterval time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client:        client,
		prefix:        prefix,
		retryInterval: defaultRetryInterval,
		tokens:        make(map[string]string),
	}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := poll(ctx, wait, r.retryInterval, func() (bool, error) {
		return r.client.SetNX(ctx, r.prefix+key, token, lease).Result()
	})
	if err != nil || !ok {
		return false, err
	}
	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	return true, nil
}

func (r *RedisLocker) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	n, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// IsLocked reports whether anyone currently holds key.
func (r *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	return n > 0, err
}
