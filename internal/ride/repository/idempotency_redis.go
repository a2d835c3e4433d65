package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// RedisIdempotencyRepo shares replayable responses between dispatch replicas.
type RedisIdempotencyRepo struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyRepo(client *redis.Client, ttl time.Duration) *RedisIdempotencyRepo {
	return &RedisIdempotencyRepo{client: client, prefix: "dispatch:idem:", ttl: ttl}
}

func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: redis get idempotency key: %w", domain.ErrPersistence, err)
	}
	return payload, true, nil
}

// PutResponse stores payload unless the key already holds a response.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis setnx idempotency key: %w", domain.ErrPersistence, err)
	}
	return nil
}
