package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"board-stream/domain"
	"board-stream/internal/consts"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker serializes container mutations across instances. Each key
// is held with SET NX PX and released only by its owner token.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	step   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, step: 20 * time.Millisecond}
}

func (l *RedisLocker) key(k string) string {
	return consts.ContainerLockKeyPrefix + k
}

// Lock acquires every key in sorted order. It fails with ErrConflict when
// a key stays held past the wait budget.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	token := uuid.NewString()
	held := make([]string, 0, len(sorted))
	release := func() {
		// Release must not depend on a caller context that may be done.
		bg := context.Background()
		for i := len(held) - 1; i >= 0; i-- {
			unlockScript.Run(bg, l.client, []string{held[i]}, token)
		}
	}

	deadline := time.Now().Add(l.wait)
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		rk := l.key(k)
		for {
			ok, err := l.client.SetNX(ctx, rk, token, l.ttl).Result()
			if err != nil {
				release()
				return nil, fmt.Errorf("lock %s: %w", k, err)
			}
			if ok {
				held = append(held, rk)
				break
			}
			if time.Now().After(deadline) {
				release()
				return nil, fmt.Errorf("lock %s: %w", k, domain.ErrConflict)
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(l.step):
			}
		}
	}
	return release, nil
}
