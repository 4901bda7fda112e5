package keyvalue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared-cache Store backend, for fleets whose workers
// should observe a single key-value view per module rather than one per
// node. Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client as a Store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(namespace, key string) string {
	return fmt.Sprintf("kv:%s:%s", namespace, key)
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, uint64, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKey(namespace, key))
	ttlCmd := pipe.TTL(ctx, redisKey(namespace, key))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrKeyNotFound
		}
		return nil, 0, err
	}
	value, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, err
	}
	var expire uint64
	if ttl := ttlCmd.Val(); ttl > 0 {
		expire = nowUnix() + uint64(ttl/time.Second)
	}
	return value, expire, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte, expire uint64) error {
	if err := checkSizes(key, value); err != nil {
		return err
	}
	var ttl time.Duration
	if expire > 0 {
		now := nowUnix()
		if expire <= now {
			return s.client.Del(ctx, redisKey(namespace, key)).Err()
		}
		ttl = time.Duration(expire-now) * time.Second
	}
	return s.client.Set(ctx, redisKey(namespace, key), value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	return s.client.Del(ctx, redisKey(namespace, key)).Err()
}

func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	prefix := fmt.Sprintf("kv:%s:", namespace)
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
