package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/converthub/converthub-go/client"
)

const redisKeyPrefix = "webhook:terminal:"

// RedisStore implements Store on Redis. SET NX gives the atomic
// check-and-mark; the TTL bounds the dedup window so the record evicts
// itself.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client. The client stays owned by
// the caller; Close here is a no-op.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(jobID string) string {
	return s.prefix + redisKeyPrefix + jobID
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, jobID string, status client.JobStatus) (client.JobStatus, bool, error) {
	key := s.key(jobID)

	// A lost race between SET NX and GET (the winner's key expiring in
	// between) is resolved by trying again.
	for attempt := 0; attempt < 3; attempt++ {
		created, err := s.rdb.SetNX(ctx, key, string(status), s.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("dedup setnx: %w", err)
		}
		if created {
			return status, true, nil
		}

		existing, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("dedup get: %w", err)
		}
		return client.JobStatus(existing), false, nil
	}

	return status, true, nil
}

func (s *RedisStore) Forget(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, s.key(jobID)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return nil
}
