package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps challenges in Redis so any instance can finish a ceremony
// another instance began.
//
// Expiry is delegated to Redis TTLs; consume uses GETDEL so a ticket can be
// redeemed at most once even under concurrent requests.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a challenge store backed by the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Issue stores a ticket under the given id for ttl.
func (s *RedisStore) Issue(ctx context.Context, id string, ticket Ticket, ttl time.Duration) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("encode challenge ticket: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge ticket: %w", err)
	}
	return nil
}

// Consume retrieves and deletes a ticket in one step.
func (s *RedisStore) Consume(ctx context.Context, id string) (Ticket, error) {
	payload, err := s.client.GetDel(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, fmt.Errorf("consume challenge ticket: %w", err)
	}
	var ticket Ticket
	if err := json.Unmarshal(payload, &ticket); err != nil {
		return Ticket{}, fmt.Errorf("decode challenge ticket: %w", err)
	}
	return ticket, nil
}

// Discard removes a ticket without returning it.
func (s *RedisStore) Discard(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("discard challenge ticket: %w", err)
	}
	return nil
}
