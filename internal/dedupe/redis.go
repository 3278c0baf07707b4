package dedupe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dedupe:"

// Redis records keys with SET NX and lets the key TTL implement the window,
// so several dispatcher processes share one view of recent submissions.
type Redis struct {
	rdb    redis.Cmdable
	window time.Duration
}

var _ Deduplicator = (*Redis)(nil)

func NewRedis(rdb redis.Cmdable, window time.Duration) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, window: window}
}

func (r *Redis) Accept(ctx context.Context, key string) (Verdict, error) {
	ok, err := r.rdb.SetNX(ctx, redisKeyPrefix+key, time.Now().UTC().Unix(), r.window).Result()
	if err != nil {
		return Accepted, err
	}
	if !ok {
		return RejectedDuplicate, nil
	}
	return Accepted, nil
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, redisKeyPrefix+key).Err()
}
