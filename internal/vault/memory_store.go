package vault

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentShield/internal/errors"
)

type sessionKey struct {
	vault common.Address
	agent common.Address
}

type balanceKey struct {
	account common.Address
	token   common.Address
}

// MemoryStore 以内存方式保存金库记录，适用于测试和单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	vaults   map[common.Address]*Vault
	policies map[common.Address]*Policy
	trackers map[common.Address]*SpendTracker
	sessions map[sessionKey]*Session
	balances map[balanceKey]uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:   make(map[common.Address]*Vault),
		policies: make(map[common.Address]*Policy),
		trackers: make(map[common.Address]*SpendTracker),
		sessions: make(map[sessionKey]*Session),
		balances: make(map[balanceKey]uint64),
	}
}

// GetVault 实现 Reader 接口。
func (m *MemoryStore) GetVault(_ context.Context, address common.Address) (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[address]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return v.Clone(), nil
}

// GetPolicy 实现 Reader 接口。
func (m *MemoryStore) GetPolicy(_ context.Context, vault common.Address) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[vault]
	if !ok {
		return nil, ErrRecordMissing
	}
	return p.Clone(), nil
}

// GetTracker 实现 Reader 接口。
func (m *MemoryStore) GetTracker(_ context.Context, vault common.Address) (*SpendTracker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[vault]
	if !ok {
		return nil, ErrRecordMissing
	}
	return t.Clone(), nil
}

// GetSession 实现 Reader 接口。
func (m *MemoryStore) GetSession(_ context.Context, vault, agent common.Address) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey{vault: vault, agent: agent}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// ListSessions 返回金库下所有未结算的会话。
func (m *MemoryStore) ListSessions(_ context.Context, vault common.Address) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for key, s := range m.sessions {
		if key.vault == vault {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Agent.Cmp(out[j].Agent) < 0
	})
	return out, nil
}

// ListExpiredSessions 实现 Reader 接口。
func (m *MemoryStore) ListExpiredSessions(_ context.Context, slot uint64, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ExpiresAtSlot < slot {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAtSlot == out[j].ExpiresAtSlot {
			return out[i].Vault.Cmp(out[j].Vault) < 0
		}
		return out[i].ExpiresAtSlot < out[j].ExpiresAtSlot
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListVaults 返回所有者名下的金库，包含已关闭的。
func (m *MemoryStore) ListVaults(_ context.Context, owner common.Address) ([]*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Vault
	for _, v := range m.vaults {
		if v.Owner == owner {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VaultID < out[j].VaultID })
	return out, nil
}

// Balance 实现 Reader 接口。
func (m *MemoryStore) Balance(_ context.Context, account, token common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{account: account, token: token}], nil
}

// Balances 返回账户的全部非零余额。
func (m *MemoryStore) Balances(_ context.Context, account common.Address) (map[common.Address]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[common.Address]uint64)
	for key, amount := range m.balances {
		if key.account == account && amount > 0 {
			out[key.token] = amount
		}
	}
	return out, nil
}

// Credit 实现 Store 接口。
func (m *MemoryStore) Credit(_ context.Context, account, token common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{account: account, token: token}
	next, err := checkedAdd(m.balances[key], amount)
	if err != nil {
		return err
	}
	m.balances[key] = next
	return nil
}

// Commit 先完成全部校验再落盘，任一校验失败都不会留下部分写入。
func (m *MemoryStore) Commit(_ context.Context, changes *ChangeSet) error {
	if changes.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if changes.CreateVault {
		if changes.PutVault == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "创建金库时缺少记录")
		}
		if _, exists := m.vaults[changes.Vault]; exists {
			return ErrVaultExists
		}
	}

	deleted := make(map[sessionKey]struct{}, len(changes.DeleteSessions))
	for _, agent := range changes.DeleteSessions {
		deleted[sessionKey{vault: changes.Vault, agent: agent}] = struct{}{}
	}
	for _, s := range changes.CreateSessions {
		key := sessionKey{vault: s.Vault, agent: s.Agent}
		if _, exists := m.sessions[key]; exists {
			if _, freed := deleted[key]; !freed {
				return ErrSessionExists
			}
		}
	}

	staged := make(map[balanceKey]uint64)
	read := func(key balanceKey) uint64 {
		if v, ok := staged[key]; ok {
			return v
		}
		return m.balances[key]
	}
	for _, tr := range changes.Transfers {
		from := balanceKey{account: tr.From, token: tr.Token}
		to := balanceKey{account: tr.To, token: tr.Token}
		balance := read(from)
		if balance < tr.Amount {
			return ErrInsufficientBalance
		}
		staged[from] = balance - tr.Amount
		credited, err := checkedAdd(read(to), tr.Amount)
		if err != nil {
			return err
		}
		staged[to] = credited
	}

	if changes.PutVault != nil {
		m.vaults[changes.Vault] = changes.PutVault.Clone()
	}
	if changes.DeletePolicy {
		delete(m.policies, changes.Vault)
	} else if changes.PutPolicy != nil {
		m.policies[changes.Vault] = changes.PutPolicy.Clone()
	}
	if changes.DeleteTracker {
		delete(m.trackers, changes.Vault)
	} else if changes.PutTracker != nil {
		m.trackers[changes.Vault] = changes.PutTracker.Clone()
	}
	for key := range deleted {
		delete(m.sessions, key)
	}
	for _, s := range changes.CreateSessions {
		m.sessions[sessionKey{vault: s.Vault, agent: s.Agent}] = s.Clone()
	}
	for key, amount := range staged {
		if amount == 0 {
			delete(m.balances, key)
			continue
		}
		m.balances[key] = amount
	}
	return nil
}
