package modelpool

import (
	"sync/atomic"
	"time"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
)

// Candidate is one backend able to serve a role.
type Candidate struct {
	Name         string
	Model        string
	Priority     int
	Timeout      time.Duration
	Capabilities []domain.Capability

	client           llm.LLMClient
	failures         atomic.Int64
	blacklistedUntil atomic.Int64 // unix nanos, 0 when never blacklisted
}

// NewCandidate binds a client to a candidate description.
func NewCandidate(name, model string, priority int, client llm.LLMClient, caps ...domain.Capability) *Candidate {
	return &Candidate{
		Name:         name,
		Model:        model,
		Priority:     priority,
		Capabilities: caps,
		client:       client,
	}
}

// Client returns the backend client.
func (c *Candidate) Client() llm.LLMClient {
	return c.client
}

// Supports reports whether the candidate has every capability in caps.
func (c *Candidate) Supports(caps ...domain.Capability) bool {
	for _, want := range caps {
		found := false
		for _, have := range c.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FailureCount returns how many fallback-triggering failures were recorded.
func (c *Candidate) FailureCount() int64 {
	return c.failures.Load()
}

// BlacklistedUntil returns the end of the current blacklist window, or the zero time.
func (c *Candidate) BlacklistedUntil() time.Time {
	n := c.blacklistedUntil.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Available reports whether the candidate is outside its blacklist window.
func (c *Candidate) Available(now time.Time) bool {
	return now.UnixNano() >= c.blacklistedUntil.Load()
}

func (c *Candidate) markFailed(now time.Time, ttl time.Duration) {
	c.failures.Add(1)
	c.blacklistedUntil.Store(now.Add(ttl).UnixNano())
}
