package domain

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord is the stored reply for a request carrying an idempotency key.
type IdempotencyRecord struct {
	Key        string          `json:"key"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}
