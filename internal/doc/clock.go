package doc

import (
	"sync"
	"time"
)

// Stamp orders writes to a key. Stamps compare by wall time, then counter, then
// actor. The order is total, so every replica picks the same winner.
type Stamp struct {
	Wall    int64  `json:"w"`
	Counter uint32 `json:"c"`
	Actor   string `json:"a"`
}

// After reports whether s wins over o.
func (s Stamp) After(o Stamp) bool {
	if s.Wall != o.Wall {
		return s.Wall > o.Wall
	}
	if s.Counter != o.Counter {
		return s.Counter > o.Counter
	}
	return s.Actor > o.Actor
}

// IsZero reports whether s was never assigned.
func (s Stamp) IsZero() bool {
	return s.Wall == 0 && s.Counter == 0 && s.Actor == ""
}

// Clock is a hybrid logical clock. It never issues a stamp below one it has
// observed, so a replica whose wall clock lags still overwrites what it has seen.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	actor   string
	wall    int64
	counter uint32
	now     func() time.Time
}

// NewClock creates a clock issuing stamps for actor.
func NewClock(actor string, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{actor: actor, now: now}
}

// Next returns a stamp strictly greater than every stamp issued or observed so far.
func (c *Clock) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := c.now().UnixMilli()
	if wall > c.wall {
		c.wall = wall
		c.counter = 0
	} else {
		c.counter++
	}
	return Stamp{Wall: c.wall, Counter: c.counter, Actor: c.actor}
}

// Observe advances the clock past a remote stamp.
func (c *Clock) Observe(s Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Wall > c.wall || (s.Wall == c.wall && s.Counter > c.counter) {
		c.wall = s.Wall
		c.counter = s.Counter
	}
}
