package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
)

const channelPrefix = "gogo:session_events:"

// RedisBroker is a Broker backed by Redis pub/sub, so subscribers on any
// engine replica see events appended by any other.
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func channelName(sessionID string) string {
	return channelPrefix + sessionID
}

// Publish sends the event to the session channel.
func (b *RedisBroker) Publish(ctx context.Context, event *domain.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelName(event.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe listens on the session channel until the subscription is closed.
func (b *RedisBroker) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channelName(sessionID))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *domain.SessionEvent, subscriberBuffer)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.WithError(err).Warn("dropping malformed live event")
					continue
				}
				select {
				case out <- &event:
				default:
					log.WithField("session_id", sessionID).Warn("redis subscriber buffer full, dropping")
					return
				}
			}
		}
	}()

	return &Subscription{
		ID:        sessionID + "/" + fmt.Sprintf("%p", ps),
		SessionID: sessionID,
		C:         out,
		release: func() {
			close(stop)
			ps.Close()
		},
	}, nil
}
