package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter throttles upstream token spend per model over a one-minute window.
// It is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func modelKey(model string) string {
	return fmt.Sprintf("ratelimit:model:%s", model)
}

// Allow reserves tokens against the model's budget.
func (l *Limiter) Allow(ctx context.Context, model string, tokens int) (bool, error) {
	if tokens <= 0 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, modelKey(model), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
