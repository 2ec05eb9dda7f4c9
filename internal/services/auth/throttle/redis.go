package throttle

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTracker enforces lockouts in Redis so all instances share the count.
type RedisTracker struct {
	client *redis.Client
	cfg    Config
}

// NewRedisTracker builds a failure tracker backed by the given client.
func NewRedisTracker(client *redis.Client, cfg Config) *RedisTracker {
	return &RedisTracker{client: client, cfg: cfg}
}

// IsLockedOut reports whether the pair is currently locked out.
func (t *RedisTracker) IsLockedOut(ctx context.Context, email, address string) (bool, error) {
	exists, err := t.client.Exists(ctx, lockKey(email, address)).Result()
	if err != nil {
		return false, fmt.Errorf("check lockout: %w", err)
	}
	return exists > 0, nil
}

// RecordFailure counts one failure and reports whether it triggered a lockout.
//
// The window TTL is set only on the first failure so the window is anchored
// to the start of the burst, not refreshed by every attempt.
func (t *RedisTracker) RecordFailure(ctx context.Context, email, address string) (bool, error) {
	key := failureKey(email, address)
	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("count login failure: %w", err)
	}
	if count == 1 {
		if err := t.client.Expire(ctx, key, t.cfg.Window).Err(); err != nil {
			return false, fmt.Errorf("set failure window: %w", err)
		}
	}
	if count < int64(t.cfg.MaxFailures) {
		return false, nil
	}

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, lockKey(email, address), "1", t.cfg.LockoutDuration)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("set lockout: %w", err)
	}
	return true, nil
}

// Clear forgets failures and any active lockout.
func (t *RedisTracker) Clear(ctx context.Context, email, address string) error {
	if err := t.client.Del(ctx, failureKey(email, address), lockKey(email, address)).Err(); err != nil {
		return fmt.Errorf("clear login failures: %w", err)
	}
	return nil
}

var _ Tracker = (*RedisTracker)(nil)
