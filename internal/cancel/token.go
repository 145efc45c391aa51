// Package cancel provides the cooperative cancellation token threaded through
// the scheduler, task executors and tool calls.
package cancel

import (
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/internal/domain"
)

// Token is observed at safe points only: before a task is dispatched, before
// a retry, and at tool-call boundaries. It never interrupts in-flight work.
type Token struct {
	once   sync.Once
	mu     sync.RWMutex
	done   chan struct{}
	reason string
}

// New returns an untriggered token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel triggers the token. Only the first reason is kept.
func (t *Token) Cancel(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Done is closed once the token is triggered.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the token was triggered. A nil token never is.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason given to Cancel.
func (t *Token) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Err returns nil until the token is triggered, then an error wrapping domain.ErrCancelled.
func (t *Token) Err() error {
	if !t.Cancelled() {
		return nil
	}
	if r := t.Reason(); r != "" {
		return fmt.Errorf("%w: %s", domain.ErrCancelled, r)
	}
	return domain.ErrCancelled
}
