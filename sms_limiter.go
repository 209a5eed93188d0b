package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	errSMSSendRateLimited = errors.New("sms send rate limited")
	errSMSSendBackend     = errors.New("sms send limiter unavailable")
)

// smsSendLimiter caps code dispatches per user inside a cooldown window so a
// hostile caller cannot pump SMS traffic through the setup path.
type smsSendLimiter struct {
	redis    *redis.Client
	prefix   string
	maxSends int64
	cooldown time.Duration
}

func newSMSSendLimiter(redisClient *redis.Client, prefix string, cfg SMSConfig) *smsSendLimiter {
	return &smsSendLimiter{
		redis:    redisClient,
		prefix:   prefix,
		maxSends: int64(cfg.MaxSends),
		cooldown: cfg.SendCooldown,
	}
}

func (l *smsSendLimiter) key(userID string) string {
	return l.prefix + ":ssl:" + userID
}

func (l *smsSendLimiter) Check(ctx context.Context, userID string) error {
	count, err := l.redis.Get(ctx, l.key(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errSMSSendBackend, err)
	}
	if count >= l.maxSends {
		return errSMSSendRateLimited
	}
	return nil
}

func (l *smsSendLimiter) RecordSend(ctx context.Context, userID string) error {
	count, err := l.redis.Incr(ctx, l.key(userID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errSMSSendBackend, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(userID), l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", errSMSSendBackend, err)
		}
	}
	return nil
}

func (l *smsSendLimiter) Reset(ctx context.Context, userID string) error {
	if err := l.redis.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errSMSSendBackend, err)
	}
	return nil
}
