package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/propreel/propreel/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyGenerateUser = "generate:user:%s"

// GenerateLimiter throttles batch submissions per user. Disabled limiters
// allow everything, so the handler path never has to branch on config.
type GenerateLimiter struct {
	enabled bool

	bucket *TokenBucket

	rate  float64
	burst int
}

func NewGenerateLimiter(cfg config.Config, client *redis.Client) (*GenerateLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit redis client is required")
	}
	if limitCfg.GenerateRate <= 0 || limitCfg.GenerateBurst <= 0 {
		return nil, errors.New("generate rate limit must be positive")
	}

	return &GenerateLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.GenerateRate,
		burst:   limitCfg.GenerateBurst,
	}, nil
}

func (l *GenerateLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *GenerateLimiter) AllowUser(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGenerateUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
