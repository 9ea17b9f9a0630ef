package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThrottleConfig defines how many sends a key may make per window.
type ThrottleConfig struct {
	Limit  int
	Window time.Duration
}

// ThrottleResult is the outcome of one throttle check.
type ThrottleResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Throttle is a fixed-window counter shared by every notifier process.
// INCR and EXPIRE run in one MULTI so the counter never outlives its window.
type Throttle struct {
	client *Client
	logger *zap.Logger
	config ThrottleConfig

	now func() time.Time
}

// NewThrottle creates a throttle
func NewThrottle(client *Client, logger *zap.Logger, config ThrottleConfig) *Throttle {
	if config.Window <= 0 {
		config.Window = time.Second
	}
	return &Throttle{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Check counts one send against key's current window.
func (t *Throttle) Check(ctx context.Context, key string) (*ThrottleResult, error) {
	now := t.now()
	window := now.Truncate(t.config.Window)
	resetAt := window.Add(t.config.Window)
	redisKey := fmt.Sprintf("throttle:%s:%d", key, window.Unix())

	var incr *redis.IntCmd
	_, err := t.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireAt(ctx, redisKey, resetAt.Add(time.Second))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis throttle failed: %w", err)
	}

	count := int(incr.Val())
	if count > t.config.Limit {
		t.logger.Debug("throttle limit exceeded",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("limit", t.config.Limit),
		)
		return &ThrottleResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return &ThrottleResult{
		Allowed:   true,
		Remaining: t.config.Limit - count,
		ResetAt:   resetAt,
	}, nil
}

// Allow reports whether one more send under key fits the window.
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	res, err := t.Check(ctx, key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
