package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultReceiptTTL = 24 * time.Hour

type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

var _ ReceiptStore = (*RedisCache)(nil)

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(id string) string { return "receipt:" + id }

func (c *RedisCache) StoreDelivered(ctx context.Context, id, providerMessageID string, deliveredAt time.Time) error {
	b, err := json.Marshal(Receipt{
		ProviderMessageID: providerMessageID,
		DeliveredAt:       deliveredAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, receiptKey(id), b, c.ttl).Err()
}

func (c *RedisCache) Receipt(ctx context.Context, id string) (Receipt, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return Receipt{}, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, err
	}
	return r, nil
}
