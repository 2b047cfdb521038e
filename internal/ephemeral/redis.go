package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const updateRetries = 4

type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string, now func() time.Time) *RedisStore {
	if prefix == "" {
		prefix = "enx"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStore{redis: client, prefix: prefix, now: now}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Save(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	if err := s.redis.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("ephemeral save: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ephemeral load: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("ephemeral delete: %w", err)
	}
	return nil
}

// Update applies fn under WATCH so a concurrent writer forces a retry.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	full := s.key(key)
	for i := 0; i < updateRetries; i++ {
		var deferred error
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, full).Bytes()
			if err != nil {
				return err
			}
			next, expiresAt, del, fnErr := fn(data)
			if del {
				deferred = fnErr
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, full)
					return nil
				})
				return err
			}
			if fnErr != nil {
				return fnErr
			}
			ttl := expiresAt.Sub(s.now())
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if ttl <= 0 {
					pipe.Del(ctx, full)
				} else {
					pipe.Set(ctx, full, next, ttl)
				}
				return nil
			})
			return err
		}, full)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return deferred
	}
	return ErrContention
}

// Sweep is a no-op; Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context) (int64, error) { return 0, nil }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
