package storage

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisAddress   = flag.String("redis_address", "localhost:6379", "Redis address used by the redis blob store.")
	redisPassword  = flag.String("redis_password", "", "Redis password used by the redis blob store.")
	redisDB        = flag.Int("redis_db", 0, "Redis logical database used by the redis blob store.")
	redisKeyPrefix = flag.String("redis_key_prefix", "ledgerview:blob:", "Prefix prepended to every blob key in Redis.")
)

type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// DialTimeout bounds the initial connectivity check.
	DialTimeout time.Duration
}

func RedisOptionsFromFlags() RedisOptions {
	return RedisOptions{
		Address:     *redisAddress,
		Password:    *redisPassword,
		DB:          *redisDB,
		KeyPrefix:   *redisKeyPrefix,
		DialTimeout: 5 * time.Second,
	}
}

// RedisBlobStore keeps each namespace in a single Redis string.
type RedisBlobStore struct { // Implements BlobStore.
	client *redis.Client
	prefix string
}

var _ BlobStore = (*RedisBlobStore)(nil)

// NewRedisBlobStore connects to Redis and verifies the connection with a PING.
func NewRedisBlobStore(ctx context.Context, opts RedisOptions) (*RedisBlobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Address, err)
	}
	return &RedisBlobStore{client: client, prefix: opts.KeyPrefix}, nil
}

func (r *RedisBlobStore) ReadBlob(ctx context.Context, namespace string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+namespace).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s from redis: %w", namespace, err)
	}
	return data, nil
}

func (r *RedisBlobStore) WriteBlob(ctx context.Context, namespace string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+namespace, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write blob %s to redis: %w", namespace, err)
	}
	return nil
}

func (r *RedisBlobStore) Close() error { return r.client.Close() }
