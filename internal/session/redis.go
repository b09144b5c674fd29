package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/communergy/trusted-entity/internal/domain"
	"github.com/communergy/trusted-entity/pkg/uid"
)

const (
	sessionKeyPrefix = "valsession:id:"
	userKeyPrefix    = "valsession:user:"
	resultsKeyPrefix = "valsession:results:"
)

type redisSessionMeta struct {
	UserID    uuid.UUID `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type redisResultEnvelope struct {
	Result   domain.ValidationResult `json:"result"`
	StoredAt time.Time               `json:"storedAt"`
}

// RedisStore shares validation sessions across horizontally scaled replicas.
// Expiry rides on Redis key TTLs, so no sweeper is needed; the one-session-
// per-user guarantee is kept atomic across processes with SETNX on the user
// index key.
type RedisStore struct {
	client     *redis.Client
	ttl        time.Duration
	maxResults int
}

func NewRedisStore(client *redis.Client, ttl time.Duration, maxResults int) *RedisStore {
	if maxResults <= 0 {
		maxResults = 32
	}
	return &RedisStore{client: client, ttl: ttl, maxResults: maxResults}
}

// createAttempts bounds the lookup/create loop; each retry only happens when
// a concurrent request raced us on the user index.
const createAttempts = 3

func (s *RedisStore) GetOrCreate(ctx context.Context, userID uuid.UUID) (*domain.Session, error) {
	userKey := userKeyPrefix + userID.String()

	for attempt := 0; attempt < createAttempts; attempt++ {
		sessionID, err := s.client.Get(ctx, userKey).Result()
		switch {
		case err == nil:
			sess, err := s.slideExpiry(ctx, sessionID)
			if err == nil {
				return sess, nil
			}
			if !errors.Is(err, ErrSessionNotFound) {
				return nil, err
			}
			// The index outlived its session (meta expired first, or its
			// write never landed). Clear it so the create below can win;
			// leaving it in place would lock the user out for a full TTL.
			if err := s.client.Del(ctx, userKey).Err(); err != nil {
				return nil, fmt.Errorf("stale session index cleanup failed: %w", err)
			}
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("session lookup failed: %w", err)
		}

		sessionID, err = uid.GenerateSessionID()
		if err != nil {
			return nil, err
		}

		created, err := s.client.SetNX(ctx, userKey, sessionID, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("session index write failed: %w", err)
		}
		if !created {
			// A concurrent request won the race; adopt its session on the
			// next pass.
			continue
		}

		expiresAt := time.Now().Add(s.ttl)
		if err := s.writeMeta(ctx, sessionID, redisSessionMeta{UserID: userID, ExpiresAt: expiresAt}); err != nil {
			// Roll the index back so the failed create does not leave an
			// orphaned key pointing at nothing.
			if delErr := s.client.Del(ctx, userKey).Err(); delErr != nil {
				log.Printf("[SESSION] Warning: Failed to roll back session index for user %s: %v", userID, delErr)
			}
			return nil, err
		}

		return &domain.Session{
			ID:        sessionID,
			UserID:    userID,
			ExpiresAt: expiresAt,
			Results:   map[uuid.UUID]domain.ValidationResult{},
		}, nil
	}

	return nil, fmt.Errorf("session creation for user %s did not settle", userID)
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	meta, err := s.readMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		ID:        sessionID,
		UserID:    meta.UserID,
		ExpiresAt: meta.ExpiresAt,
		Results:   map[uuid.UUID]domain.ValidationResult{},
	}, nil
}

func (s *RedisStore) RecordResult(ctx context.Context, sessionID string, recordID uuid.UUID, result domain.ValidationResult) error {
	if _, err := s.readMeta(ctx, sessionID); err != nil {
		return err
	}

	resultsKey := resultsKeyPrefix + sessionID
	if err := s.enforceCap(ctx, resultsKey, recordID); err != nil {
		return err
	}

	data, err := json.Marshal(redisResultEnvelope{Result: result, StoredAt: time.Now()})
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, resultsKey, recordID.String(), data).Err(); err != nil {
		return fmt.Errorf("result write failed: %w", err)
	}
	// Results die with the session.
	return s.client.Expire(ctx, resultsKey, s.ttl).Err()
}

func (s *RedisStore) FetchResult(ctx context.Context, sessionID string, recordID uuid.UUID) (*domain.ValidationResult, error) {
	data, err := s.client.HGet(ctx, resultsKeyPrefix+sessionID, recordID.String()).Result()
	if errors.Is(err, redis.Nil) {
		if _, metaErr := s.readMeta(ctx, sessionID); metaErr != nil {
			return nil, metaErr
		}
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("result lookup failed: %w", err)
	}

	var envelope redisResultEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, fmt.Errorf("corrupt result entry: %w", err)
	}
	return &envelope.Result, nil
}

// slideExpiry extends a live session by one TTL and refreshes every key that
// belongs to it.
func (s *RedisStore) slideExpiry(ctx context.Context, sessionID string) (*domain.Session, error) {
	meta, err := s.readMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	meta.ExpiresAt = time.Now().Add(s.ttl)
	// The index is refreshed before the meta key so the meta always outlives
	// the index: a half-completed slide then leaves "meta without index",
	// which the next request heals by creating a fresh session, instead of
	// an index pointing at nothing.
	if err := s.client.Expire(ctx, userKeyPrefix+meta.UserID.String(), s.ttl).Err(); err != nil {
		log.Printf("[SESSION] Warning: Failed to refresh session index TTL: %v", err)
	}
	if err := s.client.Expire(ctx, resultsKeyPrefix+sessionID, s.ttl).Err(); err != nil {
		log.Printf("[SESSION] Warning: Failed to refresh session results TTL: %v", err)
	}
	if err := s.writeMeta(ctx, sessionID, *meta); err != nil {
		return nil, err
	}

	return &domain.Session{
		ID:        sessionID,
		UserID:    meta.UserID,
		ExpiresAt: meta.ExpiresAt,
		Results:   map[uuid.UUID]domain.ValidationResult{},
	}, nil
}

// enforceCap evicts the oldest cached result when a new record id would push
// the session past maxResults.
func (s *RedisStore) enforceCap(ctx context.Context, resultsKey string, recordID uuid.UUID) error {
	exists, err := s.client.HExists(ctx, resultsKey, recordID.String()).Result()
	if err != nil || exists {
		return err
	}
	count, err := s.client.HLen(ctx, resultsKey).Result()
	if err != nil || count < int64(s.maxResults) {
		return err
	}

	entries, err := s.client.HGetAll(ctx, resultsKey).Result()
	if err != nil {
		return err
	}
	var oldestField string
	var oldestAt time.Time
	for field, raw := range entries {
		var envelope redisResultEnvelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			oldestField = field // corrupt entries go first
			break
		}
		if oldestField == "" || envelope.StoredAt.Before(oldestAt) {
			oldestField = field
			oldestAt = envelope.StoredAt
		}
	}
	if oldestField != "" {
		return s.client.HDel(ctx, resultsKey, oldestField).Err()
	}
	return nil
}

func (s *RedisStore) readMeta(ctx context.Context, sessionID string) (*redisSessionMeta, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	var meta redisSessionMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("corrupt session entry: %w", err)
	}
	return &meta, nil
}

func (s *RedisStore) writeMeta(ctx context.Context, sessionID string, meta redisSessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session write failed: %w", err)
	}
	return nil
}
