package vault

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// AuditLog 是固定容量的环形缓冲区，写满后覆盖最旧的记录。
type AuditLog struct {
	capacity int
	head     int
	records  []TransactionRecord
}

// NewAuditLog 创建指定容量的审计日志。
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{capacity: capacity, records: make([]TransactionRecord, 0, capacity)}
}

// Push 追加一条记录。
func (l *AuditLog) Push(rec TransactionRecord) {
	if len(l.records) < l.capacity {
		l.records = append(l.records, rec)
		return
	}
	l.records[l.head] = rec
	l.head = (l.head + 1) % l.capacity
}

// Records 按时间先后返回记录副本。
func (l *AuditLog) Records() []TransactionRecord {
	out := make([]TransactionRecord, 0, len(l.records))
	out = append(out, l.records[l.head:]...)
	out = append(out, l.records[:l.head]...)
	return out
}

// Len 返回当前记录数。
func (l *AuditLog) Len() int { return len(l.records) }

// Capacity 返回容量。
func (l *AuditLog) Capacity() int { return l.capacity }

// Clone 返回深拷贝。
func (l *AuditLog) Clone() *AuditLog {
	if l == nil {
		return nil
	}
	clone := &AuditLog{capacity: l.capacity, head: l.head, records: make([]TransactionRecord, len(l.records), l.capacity)}
	copy(clone.records, l.records)
	return clone
}

type auditLogJSON struct {
	Capacity int                 `json:"capacity"`
	Records  []TransactionRecord `json:"records"`
}

// MarshalJSON 以时间顺序输出记录。
func (l *AuditLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(auditLogJSON{Capacity: l.capacity, Records: l.Records()})
}

// UnmarshalJSON 重建环形缓冲区。
func (l *AuditLog) UnmarshalJSON(data []byte) error {
	var raw auditLogJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rebuilt := NewAuditLog(raw.Capacity)
	for _, rec := range raw.Records {
		rebuilt.Push(rec)
	}
	*l = *rebuilt
	return nil
}

// SpendTracker 记录滚动窗口内的额度占用以及最近的交易审计。
type SpendTracker struct {
	Vault   common.Address `json:"vault"`
	Entries []SpendEntry   `json:"entries"`
	Recent  *AuditLog      `json:"recent_transactions"`
}

// NewSpendTracker 创建空的追踪器。
func NewSpendTracker(vault common.Address, auditCapacity int) *SpendTracker {
	return &SpendTracker{Vault: vault, Entries: []SpendEntry{}, Recent: NewAuditLog(auditCapacity)}
}

// RollingSpend 计算窗口内指定代币的累计占用。
// 早于 now-window 的条目不参与计算，但不会被删除。
func (t *SpendTracker) RollingSpend(token common.Address, now, window int64) (uint64, error) {
	cutoff := now - window
	var total uint64
	for _, entry := range t.Entries {
		if entry.Token != token || entry.Timestamp < cutoff {
			continue
		}
		next, err := checkedAdd(total, entry.Amount)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// Prune 删除窗口外的条目。
func (t *SpendTracker) Prune(now, window int64) {
	cutoff := now - window
	kept := t.Entries[:0]
	for _, entry := range t.Entries {
		if entry.Timestamp >= cutoff {
			kept = append(kept, entry)
		}
	}
	t.Entries = kept
}

// Reserve 清理过期条目后追加新的占用，容量耗尽时失败。
func (t *SpendTracker) Reserve(entry SpendEntry, window int64, maxEntries int) error {
	t.Prune(entry.Timestamp, window)
	if len(t.Entries) >= maxEntries {
		return ErrTooManySpendEntries
	}
	t.Entries = append(t.Entries, entry)
	return nil
}

// Record 写入一条审计记录。
func (t *SpendTracker) Record(rec TransactionRecord) {
	if t.Recent == nil {
		t.Recent = NewAuditLog(DefaultAuditCapacity)
	}
	t.Recent.Push(rec)
}

// Clone 返回深拷贝。
func (t *SpendTracker) Clone() *SpendTracker {
	if t == nil {
		return nil
	}
	clone := &SpendTracker{Vault: t.Vault, Recent: t.Recent.Clone()}
	clone.Entries = make([]SpendEntry, len(t.Entries))
	copy(clone.Entries, t.Entries)
	return clone
}
