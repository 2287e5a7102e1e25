package ratelimit

import (
	"strings"

	"github.com/propreel/propreel/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		NewGenerateLimiter,
		NewLocker,
	),
)

// NewRedisClient returns nil when rate limiting is off; downstream
// constructors treat a nil client as "disabled".
func NewRedisClient(cfg config.Config) *redis.Client {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil
	}
	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})
}
