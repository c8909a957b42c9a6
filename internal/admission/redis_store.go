package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowTTL drops the hash of tenants that stopped sending requests; a
// missing hash is recreated lazily.
const windowTTL = 24 * time.Hour

// RedisWindowStore keeps each tenant's minute window in a hash with the
// fields count and start (unix milliseconds).
type RedisWindowStore struct {
	rdb redis.Cmdable
}

func NewRedisWindowStore(rdb redis.Cmdable) *RedisWindowStore {
	return &RedisWindowStore{rdb: rdb}
}

func windowKey(tenantID string) string {
	return fmt.Sprintf("ratelimit:window:%s", tenantID)
}

func (s *RedisWindowStore) GetWindow(ctx context.Context, tenantID string, now time.Time) (*RateWindow, error) {
	key := windowKey(tenantID)
	var fields *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "count", 0)
		pipe.HSetNX(ctx, key, "start", now.UnixMilli())
		pipe.Expire(ctx, key, windowTTL)
		fields = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}

	m := fields.Val()
	count, err := strconv.Atoi(m["count"])
	if err != nil {
		return nil, fmt.Errorf("invalid rate window count %q: %w", m["count"], err)
	}
	startMs, err := strconv.ParseInt(m["start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid rate window start %q: %w", m["start"], err)
	}
	return &RateWindow{MinuteCount: count, MinuteWindowStart: time.UnixMilli(startMs)}, nil
}

func (s *RedisWindowStore) ResetWindow(ctx context.Context, tenantID string, at time.Time) error {
	key := windowKey(tenantID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "count", 0, "start", at.UnixMilli())
		pipe.Expire(ctx, key, windowTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset rate window: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) IncrementWindow(ctx context.Context, tenantID string, now time.Time) (int, error) {
	key := windowKey(tenantID)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "start", now.UnixMilli())
		incr = pipe.HIncrBy(ctx, key, "count", 1)
		pipe.Expire(ctx, key, windowTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate window: %w", err)
	}
	return int(incr.Val()), nil
}
