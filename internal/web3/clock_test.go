package web3

import (
	"context"
	"testing"
	"time"
)

func TestManualClockAdvance(t *testing.T) {
	clock := NewManualClock(Tick{Slot: 10, Timestamp: 1_700_000_000})
	clock.Advance(5, 30)
	tick, err := clock.Now(context.Background())
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	if tick.Slot != 15 || tick.Timestamp != 1_700_000_030 {
		t.Fatalf("unexpected tick: %+v", tick)
	}

	clock.Set(Tick{Slot: 3, Timestamp: 1_700_000_100})
	tick, _ = clock.Now(context.Background())
	if tick.Slot != 15 {
		t.Fatalf("slot moved backwards: %+v", tick)
	}
}

func TestLocalClockMonotonic(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	clock := NewLocalClock(genesis, time.Second)

	current := genesis.Add(10 * time.Second)
	clock.now = func() time.Time { return current }
	first, _ := clock.Now(context.Background())
	if first.Slot != 10 {
		t.Fatalf("expected slot 10, got %d", first.Slot)
	}

	current = genesis.Add(5 * time.Second)
	second, _ := clock.Now(context.Background())
	if second.Slot != 10 || second.Timestamp != first.Timestamp {
		t.Fatalf("clock went backwards: %+v -> %+v", first, second)
	}
}
