package recordstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps a store in a single Redis hash, one field per key.
// HSET and HDEL are atomic per field; Move uses MULTI/EXEC.
type RedisBackend struct {
	rdb  *redis.Client
	hash string
}

// NewRedisBackend returns a backend storing records in the hash named
// prefix + ":" + bucket.
func NewRedisBackend(rdb *redis.Client, prefix, bucket string) *RedisBackend {
	return &RedisBackend{rdb: rdb, hash: prefix + ":" + bucket}
}

func (b *RedisBackend) Load(ctx context.Context) (map[string][]byte, error) {
	fields, err := b.rdb.HGetAll(ctx, b.hash).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, payload []byte) error {
	return b.rdb.HSet(ctx, b.hash, key, payload).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.HDel(ctx, b.hash, key).Err()
}

func (b *RedisBackend) Move(ctx context.Context, oldKey, newKey string, payload []byte) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.hash, oldKey)
		pipe.HSet(ctx, b.hash, newKey, payload)
		return nil
	})
	return err
}
