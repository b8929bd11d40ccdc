package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the directory cache across hosts. Entries are kept for
// ttl+retention so stale reads still work while the directory is down.
//
// Key schema:
//
//	{prefix}{key} - JSON envelope with the value and its creation time
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ Backend = (*RedisStore)(nil)

// OpenRedis connects and pings the server before returning.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string, retention time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisStore(rdb, prefix, retention), nil
}

func NewRedisStore(rdb *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if retention < 0 {
		retention = 0
	}
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention, now: time.Now}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string, maxStale time.Duration) (Result, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("redis: get %s: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Result{}, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return e.result(s.now(), maxStale), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := newEntry(value, ttl, s.now())
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, e.ttl()+s.retention).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}
