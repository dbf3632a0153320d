package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nstogner/backrooms/pkg/domain"
)

// DefaultTTL bounds how long a lock outlives a crashed holder.
const DefaultTTL = 30 * time.Second

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key's TTL only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every instance using the same Redis server.
// Held locks are refreshed until released.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis locker. Keys are stored under prefix.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(key string) string {
	return r.prefix + "turn:" + key
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	k := r.key(key)
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", k, err)
	}
	if !ok {
		return nil, domain.ErrTurnInProgress
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(k, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			// The caller's context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.rdb, []string{k}, token).Err(); err != nil {
				slog.Warn("failed to release lock", "key", k, "error", err)
			}
		})
	}, nil
}

func (r *Redis) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := refreshScript.Run(ctx, r.rdb, []string{key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("failed to refresh lock", "key", key, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("lock lost before release", "key", key)
				return
			}
		}
	}
}
