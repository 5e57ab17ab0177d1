package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dukahq/duka/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyGatewayQuery = "payment:query:attempt:%s"

// GatewayQueryLimiter throttles per-attempt status queries against the
// external gateway so a storm of client polls collapses to a bounded number
// of outbound calls. Disabled (nil) when rate limiting is not configured.
type GatewayQueryLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewGatewayQueryLimiter(cfg config.Config) (*GatewayQueryLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.QueryRate <= 0 || limitCfg.QueryBurst <= 0 {
		return nil, errors.New("gateway query rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &GatewayQueryLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.QueryRate,
		burst:   limitCfg.QueryBurst,
	}, nil
}

func (l *GatewayQueryLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowQuery reports whether this poll may reach out to the gateway. A
// throttled poll still reads local state; it just skips the outbound call.
func (l *GatewayQueryLimiter) AllowQuery(ctx context.Context, attemptID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGatewayQuery, strings.TrimSpace(attemptID)), l.rate, l.burst)
}
