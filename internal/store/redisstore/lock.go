package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "streamchat:lock:session:"

// compare-and-delete so a holder never frees a lock it lost to expiry
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int, lockTTL time.Duration) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(rdb, lockTTL)
}

func NewWithClient(rdb *redis.Client, lockTTL time.Duration) *Store {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Store{rdb: rdb, ttl: lockTTL}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

func lockKey(sessionID string) string { return lockPrefix + sessionID }

// TryAcquire takes the relay lock of a session. acquired is false when the
// lock is held elsewhere. release is safe to call more than once.
func (s *Store) TryAcquire(ctx context.Context, sessionID string) (func(), bool, error) {
	key := lockKey(sessionID)
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, key, token, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", sessionID, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the request context may be gone by now
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
		})
	}
	return release, true, nil
}
