package collector

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RequestCounter accumulates proxied invocation counts in memory between
// collector runs. The invoke proxy increments it on every request; the
// collector drains it into request samples.
type RequestCounter struct {
	mu        sync.Mutex
	counts    map[counterKey]int64
	lastFlush time.Time
}

type counterKey struct {
	functionID snowflake.ID
	accountID  string
}

func NewRequestCounter() *RequestCounter {
	return &RequestCounter{
		counts:    make(map[counterKey]int64),
		lastFlush: time.Now().UTC(),
	}
}

func (c *RequestCounter) Inc(functionID snowflake.ID, accountID string) {
	c.mu.Lock()
	c.counts[counterKey{functionID, accountID}]++
	c.mu.Unlock()
}

// CountedRequests is one function's drained count over the flush window.
type CountedRequests struct {
	FunctionID  snowflake.ID
	AccountID   string
	Count       int64
	WindowStart time.Time
	WindowEnd   time.Time
}

// Drain atomically takes all accumulated counts and resets the window.
func (c *RequestCounter) Drain(now time.Time) []CountedRequests {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.counts) == 0 {
		c.lastFlush = now
		return nil
	}

	out := make([]CountedRequests, 0, len(c.counts))
	for key, count := range c.counts {
		out = append(out, CountedRequests{
			FunctionID:  key.functionID,
			AccountID:   key.accountID,
			Count:       count,
			WindowStart: c.lastFlush,
			WindowEnd:   now,
		})
	}
	c.counts = make(map[counterKey]int64)
	c.lastFlush = now
	return out
}
