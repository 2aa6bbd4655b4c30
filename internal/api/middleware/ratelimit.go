package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewRateLimiter creates a Gin middleware allowing requests per period for
// each client IP. A nil store keeps counters in process memory.
func NewRateLimiter(requests int64, period time.Duration, store limiter.Store) (gin.HandlerFunc, error) {
	if requests <= 0 || period <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", requests, period)
	}
	if store == nil {
		store = memory.NewStore()
	}
	instance := limiter.New(store, limiter.Rate{Period: period, Limit: requests})
	return mgin.NewMiddleware(instance), nil
}

// NewRedisStore shares rate limit counters through Redis.
func NewRedisStore(client *redis.Client, prefix string) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
}
