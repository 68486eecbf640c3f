package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/pkg/resilience"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "funnel:session:"
	expiryIndexKey   = "funnel:sessions:expiry"

	defaultMaxMutateRetries = 25
	sweepBatchSize          = 500
)

// NewRedisClient parses redisURL and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBackend stores sessions as JSON strings. Each key expires at the
// session's ExpiresAt, and a sorted set indexes ids by expiry for sweeps.
// Mutate uses WATCH/MULTI and retries when another writer got there first.
type RedisBackend struct {
	client     *redis.Client
	logger     *zap.Logger
	maxRetries int
	backoff    resilience.BackoffStrategy
}

var _ ports.SessionBackend = (*RedisBackend)(nil)

// NewRedisBackend creates a Redis-backed session backend
func NewRedisBackend(client *redis.Client, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{
		client:     client,
		logger:     logger,
		maxRetries: defaultMaxMutateRetries,
		backoff: &resilience.ExponentialBackoff{
			BaseDelay:  2 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0.5,
		},
	}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func (b *RedisBackend) Insert(ctx context.Context, s *domain.FunnelSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	key := sessionKey(s.ID)

	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			b.write(ctx, pipe, s, data)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// someone created the key between WATCH and EXEC
		return domain.ErrSessionExists
	}
	return err
}

func (b *RedisBackend) Load(ctx context.Context, id string) (*domain.FunnelSession, error) {
	data, err := b.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decodeSession(data)
}

func (b *RedisBackend) Mutate(ctx context.Context, id string, fn ports.MutateFunc) (*domain.FunnelSession, error) {
	key := sessionKey(id)

	for attempt := 0; attempt < b.maxRetries; attempt++ {
		var stored *domain.FunnelSession

		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return domain.ErrSessionNotFound
			}
			if err != nil {
				return err
			}

			s, err := decodeSession(data)
			if err != nil {
				return err
			}
			if err := fn(s); err != nil {
				return err
			}

			out, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("failed to encode session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				b.write(ctx, pipe, s, out)
				return nil
			})
			if err != nil {
				return err
			}
			stored = s
			return nil
		}, key)

		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		delay := b.backoff.NextDelay(attempt)
		b.logger.Debug("Session changed during update, retrying",
			zap.String("session_id", id),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff_delay", delay),
		)
		if err := resilience.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("session %s: gave up after %d conflicting updates: %w", id, b.maxRetries, redis.TxFailedErr)
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, expiryIndexKey, id)
		return nil
	})
	return err
}

// SweepExpired removes every indexed session whose expiry is not after now.
// Keys may already be gone through PEXPIREAT; those index entries still count.
func (b *RedisBackend) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	removed := 0

	for {
		ids, err := b.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: sweepBatchSize,
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan expiry index: %w", err)
		}
		if len(ids) == 0 {
			return removed, nil
		}

		keys := make([]string, len(ids))
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			keys[i] = sessionKey(id)
			members[i] = id
		}

		var zrem *redis.IntCmd
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			zrem = pipe.ZRem(ctx, expiryIndexKey, members...)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired sessions: %w", err)
		}
		removed += int(zrem.Val())

		if len(ids) < sweepBatchSize {
			return removed, nil
		}
	}
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) write(ctx context.Context, pipe redis.Pipeliner, s *domain.FunnelSession, data []byte) {
	key := sessionKey(s.ID)
	pipe.Set(ctx, key, data, 0)
	pipe.PExpireAt(ctx, key, s.ExpiresAt)
	pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
		Score:  float64(s.ExpiresAt.UnixMilli()),
		Member: s.ID,
	})
}

func decodeSession(data []byte) (*domain.FunnelSession, error) {
	var s domain.FunnelSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}
