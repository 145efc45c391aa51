package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/infra"
	"github.com/xiaot623/gogo/internal/repository"
)

func exerciseStore(t *testing.T, s Store, key string) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, key)
	require.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	first := NewRecord(key, 201, json.RawMessage(`{"run_id":"run_1"}`), time.Now(), time.Hour)
	stored, err := s.Put(ctx, first)
	require.NoError(t, err)
	assert.True(t, stored)

	second := NewRecord(key, 201, json.RawMessage(`{"run_id":"run_2"}`), time.Now(), time.Hour)
	stored, err = s.Put(ctx, second)
	require.NoError(t, err)
	assert.False(t, stored)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 201, got.StatusCode)
	assert.JSONEq(t, `{"run_id":"run_1"}`, string(got.Body))
}

func TestSQLStore(t *testing.T) {
	db, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLStore(db)
	exerciseStore(t, s, "create:abc")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Get(context.Background(), "create:abc")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewRecordDefaultsTTL(t *testing.T) {
	now := time.Now()
	rec := NewRecord("k", 200, nil, now, 0)
	assert.Equal(t, DefaultTTL, rec.ExpiresAt.Sub(rec.CreatedAt))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := infra.NewRedisClient(context.Background(), "redis://"+addr+"/1")
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	exerciseStore(t, NewRedisStore(client), "create:"+uuid.NewString())
}
