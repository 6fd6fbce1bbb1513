package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Window is the period the request limit applies to.
const Window = time.Minute

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter that counts
// requests per API key.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(requestsPerMinute),
		extratelimit.WithWindow(Window),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes one request for keyID.
func (l *Limiter) Allow(ctx context.Context, keyID string) (bool, error) {
	return l.AllowN(ctx, keyID, 1)
}

// AllowN consumes cost requests at once, for operations heavier than a
// single lookup.
func (l *Limiter) AllowN(ctx context.Context, keyID string, cost int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(keyID), cost)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, keyID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(keyID))
}

func key(keyID string) string {
	return fmt.Sprintf("ratelimit:apikey:%s", keyID)
}
