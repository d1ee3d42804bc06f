package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "bankcore:idem:v1:"
	inProgressMarker = "__in_progress__"
)

// RedisStore implements Store on Redis: the reservation is a SetNX'd
// in-progress marker, replaced by the JSON result on commit.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*Result, error) {
	cacheKey := keyPrefix + key
	// Two rounds cover the race where the stored value expires between the
	// failed SetNX and the Get.
	for attempt := 0; attempt < 2; attempt++ {
		reserved, err := s.client.SetNX(ctx, cacheKey, inProgressMarker, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			return nil, nil
		}
		stored, err := s.client.Get(ctx, cacheKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load idempotency key: %w", err)
		}
		if stored == inProgressMarker {
			return nil, ErrInFlight
		}
		var res Result
		if err := json.Unmarshal([]byte(stored), &res); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		return &res, nil
	}
	return nil, ErrInFlight
}

func (s *RedisStore) Commit(ctx context.Context, key string, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.client.Set(ctx, keyPrefix+key, payload, s.ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}
