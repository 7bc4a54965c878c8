package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the lock key only if it still holds the caller's token,
// so an expired holder cannot release a lock that was taken over.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	minRetry = 5 * time.Millisecond
	maxRetry = 200 * time.Millisecond
)

// Redis is a distributed Locker built on SET NX with a TTL. It lets several
// engine processes share one ledger. The TTL bounds how long a crashed holder
// blocks a market; it must be longer than a ledger commit.
type Redis struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	prefix   string
	unlockSc *redis.Script
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{
		rdb:      rdb,
		ttl:      ttl,
		prefix:   "hyperpredict:lock:",
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Lock retries SET NX with capped exponential backoff until it wins or ctx
// is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lk := r.prefix + key

	wait := minRetry
	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("redis: lock %s: %w", key, ctx.Err())
		case <-t.C:
		}
		wait = min(wait*2, maxRetry)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Background context so the unlock runs even if the request was cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ Locker = (*Redis)(nil)
