package vault

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestAuditLogOverwritesOldest(t *testing.T) {
	log := NewAuditLog(3)
	for i := uint64(1); i <= 4; i++ {
		log.Push(TransactionRecord{Action: ActionSwap, Amount: i})
	}
	if log.Len() != 3 || log.Capacity() != 3 {
		t.Fatalf("unexpected size len=%d cap=%d", log.Len(), log.Capacity())
	}
	got := log.Records()
	if got[0].Amount != 2 || got[2].Amount != 4 {
		t.Fatalf("records out of order: %+v", got)
	}

	data, err := json.Marshal(log)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored AuditLog
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored.Push(TransactionRecord{Action: ActionSwap, Amount: 5})
	again := restored.Records()
	if len(again) != 3 || again[0].Amount != 3 || again[2].Amount != 5 {
		t.Fatalf("restored ring lost ordering: %+v", again)
	}
	if again[0].Action != ActionSwap {
		t.Fatalf("action not restored: %+v", again[0])
	}
}

func TestAuditLogRestoresUnknownAction(t *testing.T) {
	log := NewAuditLog(2)
	log.Push(TransactionRecord{Amount: 1})
	data, err := json.Marshal(log)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored AuditLog
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if got := restored.Records(); len(got) != 1 || got[0].Action != 0 || got[0].Amount != 1 {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestRollingSpendWindow(t *testing.T) {
	tokenA := common.HexToAddress("0x0a")
	tokenB := common.HexToAddress("0x0b")
	tracker := NewSpendTracker(common.HexToAddress("0x01"), 10)
	tracker.Entries = []SpendEntry{
		{Token: tokenA, Amount: 10, Timestamp: 100},
		{Token: tokenA, Amount: 20, Timestamp: 150},
		{Token: tokenB, Amount: 40, Timestamp: 150},
	}

	cases := []struct {
		token common.Address
		now   int64
		want  uint64
	}{
		{tokenA, 150, 30},
		{tokenA, 200, 30}, // cutoff 100 仍包含边界条目
		{tokenA, 201, 20},
		{tokenB, 201, 40},
		{tokenA, 251, 0},
	}
	for _, tc := range cases {
		got, err := tracker.RollingSpend(tc.token, tc.now, 100)
		if err != nil {
			t.Fatalf("rolling spend: %v", err)
		}
		if got != tc.want {
			t.Fatalf("token %s at %d: want %d got %d", tc.token.Hex(), tc.now, tc.want, got)
		}
	}
	if len(tracker.Entries) != 3 {
		t.Fatalf("rolling spend must not prune")
	}
}

func TestReservePrunesBeforeCapacityCheck(t *testing.T) {
	token := common.HexToAddress("0x0a")
	tracker := NewSpendTracker(common.HexToAddress("0x01"), 10)
	for i := int64(0); i < 2; i++ {
		if err := tracker.Reserve(SpendEntry{Token: token, Amount: 1, Timestamp: i}, 100, 2); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if err := tracker.Reserve(SpendEntry{Token: token, Amount: 1, Timestamp: 50}, 100, 2); !errors.Is(err, ErrTooManySpendEntries) {
		t.Fatalf("expected tracker full, got %v", err)
	}
	if err := tracker.Reserve(SpendEntry{Token: token, Amount: 1, Timestamp: 101}, 100, 2); err != nil {
		t.Fatalf("expected expired entries to be pruned: %v", err)
	}
	if len(tracker.Entries) != 2 {
		t.Fatalf("unexpected entries: %+v", tracker.Entries)
	}
}

func TestRollingSpendOverflow(t *testing.T) {
	token := common.HexToAddress("0x0a")
	tracker := NewSpendTracker(common.HexToAddress("0x01"), 10)
	tracker.Entries = []SpendEntry{
		{Token: token, Amount: ^uint64(0), Timestamp: 10},
		{Token: token, Amount: 1, Timestamp: 10},
	}
	if _, err := tracker.RollingSpend(token, 10, 100); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestTrackerCloneIsIndependent(t *testing.T) {
	tracker := NewSpendTracker(common.HexToAddress("0x01"), 2)
	tracker.Entries = append(tracker.Entries, SpendEntry{Amount: 1})
	tracker.Record(TransactionRecord{Amount: 1})

	clone := tracker.Clone()
	clone.Entries[0].Amount = 99
	clone.Record(TransactionRecord{Amount: 2})

	if tracker.Entries[0].Amount != 1 || tracker.Recent.Len() != 1 {
		t.Fatalf("clone mutated original")
	}
}
