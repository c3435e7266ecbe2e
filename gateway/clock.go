package gateway

import (
	"sync"
	"time"
)

// clock hands out strictly increasing event times so events emitted by one
// gateway sort in emission order even when the wall clock stalls or steps
// back.
type clock struct {
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{now: now}
}

func (c *clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
