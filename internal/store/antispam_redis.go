// antispam_redis.go -- dedup markers, abuse sorted sets and engagement counters.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// RedisSpamStore backs the anti-spam engine and the engagement counters.
type RedisSpamStore struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisSpamStore returns an anti-spam store on a shared client.
func NewRedisSpamStore(rdb *redis.Client, timeout time.Duration) *RedisSpamStore {
	return &RedisSpamStore{rdb: rdb, timeout: timeout}
}

// MarkOnce creates key with ttl if absent (SET NX).
// Returns true if this call created the marker, false if it already existed.
// An existing marker's TTL is left untouched.
func (s *RedisSpamStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	created, err := s.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting marker %s: %w", key, err)
	}
	return created, nil
}

// AppendEvent adds an event to the sorted set at key, prunes entries older than retention
// and refreshes the key TTL to retention, all in one transaction.
// Score is the event time in unix milliseconds; member is "<uuid>|<reason>" so identical
// reasons recorded in the same millisecond stay distinct.
func (s *RedisSpamStore) AppendEvent(ctx context.Context, key string, ev AbuseEvent, retention time.Duration) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating event id: %w", err)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	cutoff := ev.At.Add(-retention).UnixMilli()

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ev.At.UnixMilli()),
		Member: id.String() + "|" + ev.Reason,
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending event to %s: %w", key, err)
	}
	return nil
}

// CountEventsSince prunes entries older than pruneBefore, then counts entries scored at or after since.
func (s *RedisSpamStore) CountEventsSince(ctx context.Context, key string, since, pruneBefore time.Time) (int64, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(pruneBefore.UnixMilli(), 10))
	count := pipe.ZCount(ctx, key, strconv.FormatInt(since.UnixMilli(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("counting events in %s: %w", key, err)
	}
	return count.Val(), nil
}

// ListEvents returns the retained events at key, oldest first.
func (s *RedisSpamStore) ListEvents(ctx context.Context, key string) ([]AbuseEvent, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	zs, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing events in %s: %w", key, err)
	}

	events := make([]AbuseEvent, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		_, reason, found := strings.Cut(member, "|")
		if !found {
			return nil, fmt.Errorf("%w: abuse entry %q", ErrCorruptRecord, member)
		}
		events = append(events, AbuseEvent{
			At:     time.UnixMilli(int64(z.Score)),
			Reason: reason,
		})
	}
	return events, nil
}

// IncrementCounter increments a persistent counter and returns the new value.
func (s *RedisSpamStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return n, nil
}

// GetCounter returns the counter at key, zero when absent.
func (s *RedisSpamStore) GetCounter(ctx context.Context, key string) (int64, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	n, err := s.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	return n, nil
}
