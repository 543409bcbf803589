package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/askqwen/gptuidemo/internal/redis"
)

const redisKeyPrefix = "handoff:"

// RedisStore keeps pending handoffs in redis so any instance can take them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, p Pending) (string, error) {
	if p.Empty() {
		return "", ErrEmptyToken
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal handoff: %w", err)
	}
	token := newToken()
	if err := s.client.Set(ctx, redisKeyPrefix+token, data, s.ttl); err != nil {
		return "", fmt.Errorf("store handoff: %w", err)
	}
	return token, nil
}

// Take uses GETDEL so concurrent mounts cannot both consume the token.
func (s *RedisStore) Take(ctx context.Context, token string) (Pending, bool, error) {
	if token == "" {
		return Pending{}, false, nil
	}
	raw, err := s.client.GetDel(ctx, redisKeyPrefix+token)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return Pending{}, false, nil
		}
		return Pending{}, false, fmt.Errorf("take handoff: %w", err)
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Pending{}, false, fmt.Errorf("decode handoff: %w", err)
	}
	return p, true, nil
}
