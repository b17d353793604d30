package web3

import (
	"context"
	"sync"
	"time"
)

// Tick is a single reading of the network clock.
type Tick struct {
	Slot      uint64 `json:"slot"`
	Timestamp int64  `json:"timestamp"`
}

// Clock reports the current slot and its unix timestamp. Implementations
// must never return a slot lower than one previously returned.
type Clock interface {
	Now(ctx context.Context) (Tick, error)
}

// ManualClock is advanced explicitly, mainly for tests and replay tooling.
type ManualClock struct {
	mu   sync.Mutex
	tick Tick
}

// NewManualClock creates a clock positioned at the given tick.
func NewManualClock(start Tick) *ManualClock {
	return &ManualClock{tick: start}
}

// Now implements Clock.
func (c *ManualClock) Now(context.Context) (Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick, nil
}

// Advance moves the clock forward by the given number of slots and seconds.
func (c *ManualClock) Advance(slots uint64, seconds int64) Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick.Slot += slots
	if seconds > 0 {
		c.tick.Timestamp += seconds
	}
	return c.tick
}

// Set repositions the clock. Moving the slot backwards is ignored.
func (c *ManualClock) Set(t Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Slot < c.tick.Slot {
		t.Slot = c.tick.Slot
	}
	c.tick = t
}

// LocalClock derives slots from wall time elapsed since a genesis instant,
// for deployments without an attached chain.
type LocalClock struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last Tick
}

// NewLocalClock creates a local clock. A non-positive slot duration falls
// back to 400ms.
func NewLocalClock(genesis time.Time, slotDuration time.Duration) *LocalClock {
	if slotDuration <= 0 {
		slotDuration = 400 * time.Millisecond
	}
	return &LocalClock{genesis: genesis, duration: slotDuration, now: time.Now}
}

// Now implements Clock.
func (c *LocalClock) Now(context.Context) (Tick, error) {
	now := c.now()
	var slot uint64
	if elapsed := now.Sub(c.genesis); elapsed > 0 {
		slot = uint64(elapsed / c.duration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tick := Tick{Slot: slot, Timestamp: now.Unix()}
	if tick.Slot < c.last.Slot {
		tick.Slot = c.last.Slot
	}
	if tick.Timestamp < c.last.Timestamp {
		tick.Timestamp = c.last.Timestamp
	}
	c.last = tick
	return tick, nil
}
