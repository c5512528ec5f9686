package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultRedisKey is the key holding the ledger document.
const DefaultRedisKey = "narrate:ledger"

// RedisConfig configures the shared ledger backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisBackend stores the ledger as one JSON value under a single key, so
// several hosts can share progress. SET replaces the value atomically.
type RedisBackend struct {
	cli *redis.Client
	key string
}

// NewRedisBackend connects to redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{cli: cli, key: key}, nil
}

// Load fetches the ledger document. A missing key is an empty ledger.
// Connection errors are returned as-is so a shared ledger is never reset by
// an unreachable server.
func (b *RedisBackend) Load(ctx context.Context) (*Snapshot, error) {
	data, err := b.cli.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", b.key, err)
	}
	return decodeSnapshot(data)
}

// Save replaces the ledger document.
func (b *RedisBackend) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := b.cli.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", b.key, err)
	}
	return nil
}

// Locker returns a run lock stored next to the ledger key.
func (b *RedisBackend) Locker(ttl time.Duration) *RedisLock {
	return &RedisLock{cli: b.cli, key: b.key + ":lock", ttl: ttl}
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.cli.Close()
}

var _ Backend = (*RedisBackend)(nil)

// RedisLock is a single-holder lock built on SET NX with a random token.
// The holder refreshes the TTL until released.
type RedisLock struct {
	cli *redis.Client
	key string
	ttl time.Duration
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

var luaRefresh = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Acquire takes the lock or returns ErrLocked.
func (l *RedisLock) Acquire(ctx context.Context) (func() error, error) {
	ttl := l.ttl
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock %s: %w", l.key, err)
	}
	if !ok {
		holder, _ := l.cli.Get(ctx, l.key).Result()
		return nil, fmt.Errorf("%w: %s held by token %s", ErrLocked, l.key, holder)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = luaRefresh.Run(context.Background(), l.cli, []string{l.key}, token, ttl.Milliseconds()).Err()
			}
		}
	}()

	release := func() error {
		close(stop)
		<-done
		return luaUnlock.Run(context.Background(), l.cli, []string{l.key}, token).Err()
	}
	return release, nil
}

var _ Locker = (*RedisLock)(nil)
