package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

const (
	sessionKeyPrefix = "voice:session:"

	defaultSessionTTL = 2 * time.Hour
	defaultEndedTTL   = 10 * time.Minute

	// maxWatchRetries bounds optimistic retries when another writer races us.
	maxWatchRetries = 5
)

// ErrConflict is returned when an update keeps losing races with concurrent writers.
var ErrConflict = errors.New("callstate: concurrent update conflict")

// RedisStore keeps call sessions as JSON documents in Redis. Update uses
// WATCH/MULTI so the read-modify-write is retried if the key changes underneath it.
type RedisStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	endedTTL time.Duration
	logger   *logging.Logger
}

var _ dialogue.SessionStore = (*RedisStore)(nil)

// NewRedisStore creates a session store backed by Redis. Ended sessions are kept
// for endedTTL so redelivered webhooks can replay the final response.
func NewRedisStore(rdb *redis.Client, ttl, endedTTL time.Duration, logger *logging.Logger) *RedisStore {
	if rdb == nil {
		panic("callstate: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if endedTTL <= 0 {
		endedTTL = defaultEndedTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisStore{rdb: rdb, ttl: ttl, endedTTL: endedTTL, logger: logger}
}

func sessionKey(callID string) string {
	return sessionKeyPrefix + callID
}

// Get returns the session, or nil when the call has no session.
func (s *RedisStore) Get(ctx context.Context, callID string) (*dialogue.Session, error) {
	return s.read(ctx, s.rdb, sessionKey(callID))
}

// Update applies fn to the latest stored session and writes the result atomically.
func (s *RedisStore) Update(ctx context.Context, callID string, fn func(*dialogue.Session) (*dialogue.Session, error)) (*dialogue.Session, error) {
	if callID == "" {
		return nil, errors.New("callstate: call_id required")
	}
	key := sessionKey(callID)

	var result *dialogue.Session
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = cur
			return nil
		}
		next = next.Clone()
		next.Version = 1
		if cur != nil {
			next.Version = cur.Version + 1
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("callstate: marshal session: %w", err)
		}
		ttl := s.ttl
		if next.Ended {
			ttl = s.endedTTL
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		}); err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("session update raced, retrying", "call_id", callID, "attempt", attempt+1)
			continue
		}
		return nil, fmt.Errorf("callstate: update %s: %w", callID, err)
	}
	return nil, ErrConflict
}

// Delete removes the session.
func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := s.rdb.Del(ctx, sessionKey(callID)).Err(); err != nil {
		return fmt.Errorf("callstate: delete %s: %w", callID, err)
	}
	return nil
}

// getter is the subset shared by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (*dialogue.Session, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("callstate: get: %w", err)
	}
	var sess dialogue.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("callstate: unmarshal: %w", err)
	}
	return &sess, nil
}
