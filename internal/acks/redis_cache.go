package acks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache claims (case, recipient) pairs with SETNX so multiple
// instances agree on which one recorded the acknowledgment first.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{
		client: client,
		ttl:    72 * time.Hour,
	}, nil
}

func (r *RedisCache) TryClaim(ctx context.Context, caseID, recipientID uint) (bool, error) {
	key := fmt.Sprintf("ack:%d:%d", caseID, recipientID)
	return r.client.SetNX(ctx, key, time.Now().Unix(), r.ttl).Result()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// NoOpCache stands in when Redis is not configured; the tracker then
// relies on its in-process set and the store's unique index alone.
type NoOpCache struct{}

func (NoOpCache) TryClaim(ctx context.Context, caseID, recipientID uint) (bool, error) {
	return true, nil
}
