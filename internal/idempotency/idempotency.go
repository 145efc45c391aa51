// Package idempotency stores replies of requests carrying an Idempotency-Key
// so a retried request returns the first reply instead of acting twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/repository"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// Store keeps idempotency records.
type Store interface {
	// Get returns the live record for key or domain.ErrNotFound.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// Put stores rec unless a live record exists and reports whether it did.
	Put(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
}

// NewRecord builds a record expiring ttl after now.
func NewRecord(key string, status int, body json.RawMessage, now time.Time, ttl time.Duration) *domain.IdempotencyRecord {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &domain.IdempotencyRecord{
		Key:        key,
		StatusCode: status,
		Body:       body,
		CreatedAt:  now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
}

// SQLStore keeps records in the engine database.
type SQLStore struct {
	q   repository.Queries
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store on the repository queries.
func NewSQLStore(q repository.Queries) *SQLStore {
	return &SQLStore{q: q, now: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return s.q.GetIdempotencyRecord(ctx, key, s.now())
}

func (s *SQLStore) Put(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	return s.q.PutIdempotencyRecord(ctx, rec)
}

// Prune deletes expired records.
func (s *SQLStore) Prune(ctx context.Context) (int64, error) {
	return s.q.DeleteExpiredIdempotencyRecords(ctx, s.now())
}

const keyPrefix = "gogo:idempotency:"

// RedisStore keeps records in Redis, shared by every engine replica.
// Expiry is left to Redis.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return false, fmt.Errorf("idempotency record %s already expired: %w", rec.Key, domain.ErrValidation)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+rec.Key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return ok, nil
}
