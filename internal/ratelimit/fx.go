package ratelimit

import (
	"strings"
	"time"

	"github.com/quillforge/quillforge/internal/clock"
	"github.com/quillforge/quillforge/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLimiter),
)

// NewLimiter picks the Redis bucket when an address is configured and the
// process-local bucket otherwise.
func NewLimiter(cfg config.Config, clk clock.Clock, log *zap.Logger) (Limiter, error) {
	limitCfg := cfg.RateLimit

	capacity := limitCfg.Capacity
	if capacity <= 0 {
		capacity = 30
	}
	window := limitCfg.Window()
	if window <= 0 {
		window = time.Minute
	}

	if addr := strings.TrimSpace(limitCfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: limitCfg.RedisPassword,
			DB:       limitCfg.RedisDB,
		})
		log.Named("ratelimit").Info("using redis token bucket", zap.String("addr", addr))
		return NewTokenBucket(client, capacity, window)
	}

	return NewLocalLimiter(clk, capacity, window)
}
