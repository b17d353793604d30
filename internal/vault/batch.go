package vault

import (
	"context"
	stdErrors "errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AgentShield/internal/web3"
)

// batch 保存一个事务内所有指令的待提交效果。指令只修改工作副本，
// 直到全部成功后才被折叠成 ChangeSet 交给存储层。
type batch struct {
	ctx    context.Context
	store  Store
	limits Limits

	txID   string
	signer common.Address
	target common.Address
	tick   web3.Tick

	vault        *Vault
	vaultLoaded  bool
	vaultCreated bool
	vaultDirty   bool

	policy        *Policy
	policyLoaded  bool
	policyDirty   bool
	policyDeleted bool

	tracker        *SpendTracker
	trackerLoaded  bool
	trackerDirty   bool
	trackerDeleted bool

	sessions map[common.Address]*sessionSlot

	transfers []Transfer
	credits   map[balanceKey]uint64
	debits    map[balanceKey]uint64

	events []Event
}

type sessionSlot struct {
	existed bool
	current *Session
	fresh   bool
}

func newBatch(ctx context.Context, store Store, limits Limits, tx Transaction, tick web3.Tick) *batch {
	return &batch{
		ctx:      ctx,
		store:    store,
		limits:   limits,
		txID:     uuid.NewString(),
		signer:   tx.Signer,
		target:   tx.Vault,
		tick:     tick,
		sessions: make(map[common.Address]*sessionSlot),
		credits:  make(map[balanceKey]uint64),
		debits:   make(map[balanceKey]uint64),
	}
}

func (b *batch) loadVault() (*Vault, error) {
	if !b.vaultLoaded {
		v, err := b.store.GetVault(b.ctx, b.target)
		switch {
		case err == nil:
			b.vault = v
		case stdErrors.Is(err, ErrVaultNotFound):
			b.vault = nil
		default:
			return nil, err
		}
		b.vaultLoaded = true
	}
	return b.vault, nil
}

func (b *batch) requireVault() (*Vault, error) {
	v, err := b.loadVault()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrVaultNotFound
	}
	return v, nil
}

// ownedOpenVault 校验签名者为所有者且金库未关闭。
func (b *batch) ownedOpenVault() (*Vault, error) {
	v, err := b.requireVault()
	if err != nil {
		return nil, err
	}
	if b.signer != v.Owner {
		return nil, ErrUnauthorizedOwner
	}
	if v.Status == StatusClosed {
		return nil, ErrVaultAlreadyClosed
	}
	return v, nil
}

func (b *batch) requirePolicy() (*Policy, error) {
	if b.policyDeleted {
		return nil, ErrRecordMissing
	}
	if !b.policyLoaded {
		p, err := b.store.GetPolicy(b.ctx, b.target)
		if err != nil {
			return nil, err
		}
		b.policy = p
		b.policyLoaded = true
	}
	return b.policy, nil
}

func (b *batch) requireTracker() (*SpendTracker, error) {
	if b.trackerDeleted {
		return nil, ErrRecordMissing
	}
	if !b.trackerLoaded {
		t, err := b.store.GetTracker(b.ctx, b.target)
		if err != nil {
			return nil, err
		}
		if t.Recent == nil {
			t.Recent = NewAuditLog(b.limits.AuditCapacity)
		}
		b.tracker = t
		b.trackerLoaded = true
	}
	return b.tracker, nil
}

func (b *batch) slot(agent common.Address) (*sessionSlot, error) {
	if s, ok := b.sessions[agent]; ok {
		return s, nil
	}
	s := &sessionSlot{}
	existing, err := b.store.GetSession(b.ctx, b.target, agent)
	switch {
	case err == nil:
		s.existed = true
		s.current = existing
	case stdErrors.Is(err, ErrSessionNotFound):
	default:
		return nil, err
	}
	b.sessions[agent] = s
	return s, nil
}

func (b *batch) session(agent common.Address) (*Session, error) {
	s, err := b.slot(agent)
	if err != nil {
		return nil, err
	}
	return s.current, nil
}

// openSession 以 insert-if-absent 语义创建会话。
func (b *batch) openSession(session *Session) error {
	s, err := b.slot(session.Agent)
	if err != nil {
		return err
	}
	if s.current != nil {
		return ErrSessionExists
	}
	s.current = session
	s.fresh = true
	return nil
}

func (b *batch) closeSession(agent common.Address) error {
	s, err := b.slot(agent)
	if err != nil {
		return err
	}
	s.current = nil
	s.fresh = false
	return nil
}

// pendingSessions 合并存储中的会话与本批次内的变化。
func (b *batch) pendingSessions() ([]*Session, error) {
	stored, err := b.store.ListSessions(b.ctx, b.target)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		if _, err := b.slot(s.Agent); err != nil {
			return nil, err
		}
	}
	var out []*Session
	for _, s := range b.sessions {
		if s.current != nil {
			out = append(out, s.current)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.Cmp(out[j].Agent) < 0 })
	return out, nil
}

func (b *batch) balance(account, token common.Address) (uint64, error) {
	base, err := b.store.Balance(b.ctx, account, token)
	if err != nil {
		return 0, err
	}
	key := balanceKey{account: account, token: token}
	total, err := checkedAdd(base, b.credits[key])
	if err != nil {
		return 0, err
	}
	return total - b.debits[key], nil
}

// balances 返回账户在本批次视角下的全部非零余额。
func (b *batch) balances(account common.Address) (map[common.Address]uint64, error) {
	stored, err := b.store.Balances(b.ctx, account)
	if err != nil {
		return nil, err
	}
	tokens := make(map[common.Address]struct{}, len(stored))
	for token := range stored {
		tokens[token] = struct{}{}
	}
	for key := range b.credits {
		if key.account == account {
			tokens[key.token] = struct{}{}
		}
	}
	out := make(map[common.Address]uint64, len(tokens))
	for token := range tokens {
		amount, err := b.balance(account, token)
		if err != nil {
			return nil, err
		}
		if amount > 0 {
			out[token] = amount
		}
	}
	return out, nil
}

func (b *batch) transfer(from, to, token common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	available, err := b.balance(from, token)
	if err != nil {
		return err
	}
	if available < amount {
		return ErrInsufficientBalance
	}
	toKey := balanceKey{account: to, token: token}
	credited, err := checkedAdd(b.credits[toKey], amount)
	if err != nil {
		return err
	}
	fromKey := balanceKey{account: from, token: token}
	debited, err := checkedAdd(b.debits[fromKey], amount)
	if err != nil {
		return err
	}
	b.credits[toKey] = credited
	b.debits[fromKey] = debited
	b.transfers = append(b.transfers, Transfer{From: from, To: to, Token: token, Amount: amount})
	return nil
}

func (b *batch) emit(kind EventKind, payload any) {
	b.events = append(b.events, Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Vault:     b.target,
		TxID:      b.txID,
		Slot:      b.tick.Slot,
		Timestamp: b.tick.Timestamp,
		Payload:   payload,
	})
}

func (b *batch) changeSet() *ChangeSet {
	cs := &ChangeSet{Vault: b.target, Transfers: b.transfers}
	if b.vault != nil && (b.vaultDirty || b.vaultCreated) {
		cs.PutVault = b.vault
		cs.CreateVault = b.vaultCreated
	}
	if b.policyDeleted {
		cs.DeletePolicy = true
	} else if b.policyDirty {
		cs.PutPolicy = b.policy
	}
	if b.trackerDeleted {
		cs.DeleteTracker = true
	} else if b.trackerDirty {
		cs.PutTracker = b.tracker
	}

	agents := make([]common.Address, 0, len(b.sessions))
	for agent := range b.sessions {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Cmp(agents[j]) < 0 })
	for _, agent := range agents {
		s := b.sessions[agent]
		if s.existed && (s.current == nil || s.fresh) {
			cs.DeleteSessions = append(cs.DeleteSessions, agent)
		}
		if s.current != nil && s.fresh {
			cs.CreateSessions = append(cs.CreateSessions, s.current)
		}
	}
	return cs
}
