package auth

import (
	"context"
	"sync"
	"time"
)

// NonceClaimer 记录已使用的 nonce。Claim 在 key 首次出现时返回 true。
// storage/redis.NonceStore 提供跨实例实现。
type NonceClaimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNonces 是单进程内的 nonce 缓存。
type MemoryNonces struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	now     func() time.Time
	claims  int
	pruneAt int
}

// NewMemoryNonces 创建内存 nonce 缓存。
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now, pruneAt: 256}
}

// Claim 实现 NonceClaimer。
func (m *MemoryNonces) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.claims++
	if m.claims >= m.pruneAt {
		m.claims = 0
		for k, expiry := range m.seen {
			if !now.Before(expiry) {
				delete(m.seen, k)
			}
		}
	}
	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

// Len 返回当前记录的 nonce 数量，包含尚未清理的过期项。
func (m *MemoryNonces) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
