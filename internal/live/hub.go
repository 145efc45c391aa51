// Package live fans session events out to stream subscribers.
package live

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
)

// Broker delivers events to subscribers of a session.
// Delivery is best effort: a slow subscriber is dropped and its channel closed.
type Broker interface {
	Publish(ctx context.Context, event *domain.SessionEvent) error
	Subscribe(ctx context.Context, sessionID string) (*Subscription, error)
}

// Subscription receives the events of one session.
type Subscription struct {
	ID        string
	SessionID string
	C         <-chan *domain.SessionEvent

	once    sync.Once
	release func()
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

const subscriberBuffer = 256

type subscriber struct {
	id        string
	sessionID string
	send      chan *domain.SessionEvent
}

// Hub is the in-process Broker.
type Hub struct {
	// Subscribers indexed by id
	subscribers map[string]*subscriber

	// Sessions maps session_id to subscriber ids
	sessions map[string]map[string]bool

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan *domain.SessionEvent
	done       chan struct{}

	mu sync.RWMutex
}

var _ Broker = (*Hub)(nil)

// NewHub creates a new Hub. Run must be started before it delivers events.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		sessions:    make(map[string]map[string]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan *domain.SessionEvent, 1024),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, sub := range h.subscribers {
				close(sub.send)
				delete(h.subscribers, id)
			}
			h.sessions = make(map[string]map[string]bool)
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.id] = sub
			if h.sessions[sub.sessionID] == nil {
				h.sessions[sub.sessionID] = make(map[string]bool)
			}
			h.sessions[sub.sessionID][sub.id] = true
			h.mu.Unlock()
			log.WithField("session_id", sub.sessionID).Debugf("subscriber registered: %s", sub.id)

		case sub := <-h.unregister:
			h.remove(sub)

		case event := <-h.broadcast:
			h.mu.RLock()
			var slow []*subscriber
			for id := range h.sessions[event.SessionID] {
				sub := h.subscribers[id]
				if sub == nil {
					continue
				}
				select {
				case sub.send <- event:
				default:
					slow = append(slow, sub)
				}
			}
			h.mu.RUnlock()
			for _, sub := range slow {
				log.WithField("session_id", sub.sessionID).Warnf("subscriber %s buffer full, dropping", sub.id)
				h.remove(sub)
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.id]; !ok {
		return
	}
	delete(h.subscribers, sub.id)
	if ids := h.sessions[sub.sessionID]; ids != nil {
		delete(ids, sub.id)
		if len(ids) == 0 {
			delete(h.sessions, sub.sessionID)
		}
	}
	close(sub.send)
}

// Publish queues an event for every subscriber of its session.
func (h *Hub) Publish(ctx context.Context, event *domain.SessionEvent) error {
	select {
	case h.broadcast <- event:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a subscriber for a session.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	sub := &subscriber{
		id:        uuid.New().String(),
		sessionID: sessionID,
		send:      make(chan *domain.SessionEvent, subscriberBuffer),
	}
	select {
	case h.register <- sub:
	case <-h.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Subscription{
		ID:        sub.id,
		SessionID: sessionID,
		C:         sub.send,
		release: func() {
			select {
			case h.unregister <- sub:
			case <-h.done:
			}
		},
	}, nil
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// SessionCount returns the number of sessions with subscribers.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
