package live

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/infra"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func receive(t *testing.T, sub *Subscription) *domain.SessionEvent {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestHubDeliversOnlyToSessionSubscribers(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	s1, err := h.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := h.Subscribe(ctx, "s2")
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, h.Publish(ctx, &domain.SessionEvent{SessionID: "s1", Seq: 1, Type: domain.EventTypeRunStarted}))
	require.NoError(t, h.Publish(ctx, &domain.SessionEvent{SessionID: "s2", Seq: 1, Type: domain.EventTypeHeartbeat}))

	assert.Equal(t, domain.EventTypeRunStarted, receive(t, s1).Type)
	assert.Equal(t, domain.EventTypeHeartbeat, receive(t, s2).Type)
	assert.Equal(t, 2, h.SessionCount())
}

func TestHubCloseUnregisters(t *testing.T) {
	h := startHub(t)
	sub, err := h.Subscribe(context.Background(), "s1")
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	_, err := h.Subscribe(ctx, "s1")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, h.Publish(ctx, &domain.SessionEvent{SessionID: "s1", Seq: int64(i + 1)}))
	}
	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := infra.NewRedisClient(context.Background(), "redis://"+addr+"/1")
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	b := NewRedisBroker(client)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "redis_s1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, &domain.SessionEvent{EventID: "evt_1", SessionID: "redis_s1", RunID: "r1", Seq: 7, Type: domain.EventTypeTaskDone}))
	got := receive(t, sub)
	assert.Equal(t, int64(7), got.Seq)
	assert.Equal(t, "r1", got.RunID)
}
