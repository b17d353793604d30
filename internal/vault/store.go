package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Transfer 描述一次账本内的资金划转。
type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Token  common.Address `json:"token"`
	Amount uint64         `json:"amount"`
}

// ChangeSet 是一个事务批次的净效果，必须整体原子提交。
type ChangeSet struct {
	Vault common.Address
	// CreateVault 为 true 时 PutVault 以 insert-if-absent 方式写入。
	CreateVault bool
	PutVault    *Vault

	PutPolicy    *Policy
	DeletePolicy bool

	PutTracker    *SpendTracker
	DeleteTracker bool

	// 先删除后创建；创建遵循 insert-if-absent。
	DeleteSessions []common.Address
	CreateSessions []*Session

	Transfers []Transfer
}

// Empty 判断批次是否没有任何写入。
func (c *ChangeSet) Empty() bool {
	return c == nil || (c.PutVault == nil && c.PutPolicy == nil && !c.DeletePolicy &&
		c.PutTracker == nil && !c.DeleteTracker && len(c.DeleteSessions) == 0 &&
		len(c.CreateSessions) == 0 && len(c.Transfers) == 0)
}

// Reader 提供只读快照。
type Reader interface {
	GetVault(ctx context.Context, address common.Address) (*Vault, error)
	GetPolicy(ctx context.Context, vault common.Address) (*Policy, error)
	GetTracker(ctx context.Context, vault common.Address) (*SpendTracker, error)
	GetSession(ctx context.Context, vault, agent common.Address) (*Session, error)
	ListSessions(ctx context.Context, vault common.Address) ([]*Session, error)
	// ListExpiredSessions 返回 ExpiresAtSlot < slot 的会话，按过期时间升序。
	ListExpiredSessions(ctx context.Context, slot uint64, limit int) ([]*Session, error)
	ListVaults(ctx context.Context, owner common.Address) ([]*Vault, error)
	Balance(ctx context.Context, account, token common.Address) (uint64, error)
	Balances(ctx context.Context, account common.Address) (map[common.Address]uint64, error)
}

// Store 是金库记录的持久化抽象。
type Store interface {
	Reader
	// Credit 为外部入金记账，例如链上充值到账。
	Credit(ctx context.Context, account, token common.Address, amount uint64) error
	Commit(ctx context.Context, changes *ChangeSet) error
}
