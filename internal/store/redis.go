// redis.go -- go-redis client setup and session record storage.
//
// Redis is the only backing store the gate depends on. Session records are
// stored as JSON with a TTL matching the session's absolute expiry, so an
// expired session is simply an absent key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, applies the per-operation timeout and pings Redis.
// Automatic retries are disabled: a failed round trip is reported to the caller once,
// which routes it through its own fail-open/fail-closed policy.
// Call once at startup from main.go...returned client is safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string, timeout time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if timeout > 0 {
		opt.DialTimeout = timeout
		opt.ReadTimeout = timeout
		opt.WriteTimeout = timeout
		opt.PoolTimeout = timeout
	}
	opt.MaxRetries = -1

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session record operations.
type RedisStore struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisStore returns a session store on a shared client.
// timeout bounds every call; zero leaves only the client's own socket timeouts.
func NewRedisStore(rdb *redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, timeout: timeout}
}

// opContext bounds a single round trip. Expiry is indistinguishable from an outage for callers.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func sessionKey(keyHash string) string {
	return fmt.Sprintf("session:%s", keyHash)
}

func userSessionsKey(userID string) string {
	return fmt.Sprintf("user_sessions:%s", userID)
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// SetSession stores a session record under keyHash with the given TTL.
// Also tracks keyHash in the per-user Set for bulk deletion.
func (s *RedisStore) SetSession(ctx context.Context, keyHash string, rec SessionRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("caching session: ttl must be positive, got %s", ttl)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	// Create pipeline to make sure atomic
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(keyHash), raw, ttl)
	pipe.SAdd(ctx, userSessionsKey(rec.UserID), keyHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by its key hash.
// Returns ErrCacheMiss if absent (unknown or expired), ErrCorruptRecord if undecodable.
func (s *RedisStore) GetSession(ctx context.Context, keyHash string) (*SessionRecord, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, sessionKey(keyHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: parsing session: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}

// SessionMutation edits rec in place and returns the TTL to apply; 0 keeps the
// key's current TTL. Returning ErrCacheMiss abandons the write.
type SessionMutation func(rec *SessionRecord) (time.Duration, error)

// maxUpdateAttempts bounds optimistic retries when another writer touches the
// same session between our read and our write.
const maxUpdateAttempts = 5

// UpdateSession applies mutate to the current record under WATCH, so a
// concurrent writer forces a re-read instead of being overwritten.
// Returns false without writing if the key no longer exists.
func (s *RedisStore) UpdateSession(ctx context.Context, keyHash string, mutate SessionMutation) (bool, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	key := sessionKey(keyHash)
	var written bool
	txf := func(tx *redis.Tx) error {
		written = false
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("fetching session: %w", err)
		}

		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: parsing session: %v", ErrCorruptRecord, err)
		}
		ttl, err := mutate(&rec)
		if err != nil {
			if errors.Is(err, ErrCacheMiss) {
				return nil
			}
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}

		args := redis.SetArgs{Mode: "XX"}
		if ttl > 0 {
			args.TTL = ttl
		} else {
			args.KeepTTL = true
		}
		// EXEC aborts with TxFailedErr if key changed since the GET above.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, out, args)
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		written = true
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("updating session: %w", err)
		}
		return written, nil
	}
	return false, ErrUpdateContended
}

// DeleteSession removes a single session record and its entry in the user tracking Set.
// Returns false if no record existed.
func (s *RedisStore) DeleteSession(ctx context.Context, keyHash string, userID string) (bool, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, sessionKey(keyHash))
	if userID != "" {
		pipe.SRem(ctx, userSessionsKey(userID), keyHash)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return del.Val() > 0, nil
}

// DeleteAllUserSessions removes every session record tracked for userID.
// Returns the number of records actually deleted.
func (s *RedisStore) DeleteAllUserSessions(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	setKey := userSessionsKey(userID)
	hashes, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fetching user sessions: %w", err)
	}

	// Delete all session keys + the set itself in one atomic pipeline
	pipe := s.rdb.TxPipeline()
	dels := make([]*redis.IntCmd, 0, len(hashes))
	for _, hash := range hashes {
		dels = append(dels, pipe.Del(ctx, sessionKey(hash)))
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}

	var n int64
	for _, d := range dels {
		n += d.Val()
	}
	return n, nil
}
