package vault

import (
	"github.com/ethereum/go-ethereum/common"
)

// CreateVault 创建金库、策略与空的追踪器。
type CreateVault struct {
	VaultID        uint64         `json:"vault_id"`
	Policy         PolicyParams   `json:"policy"`
	FeeDestination common.Address `json:"fee_destination"`
}

// Name 实现 Instruction 接口。
func (CreateVault) Name() string { return "create_vault" }

func (c CreateVault) apply(b *batch) error {
	address := VaultAddress(b.signer, c.VaultID)
	if address != b.target {
		return detailed(ErrInvalidTransaction, "vault address does not match (owner, vault_id)")
	}
	existing, err := b.loadVault()
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrVaultExists
	}
	if c.FeeDestination == (common.Address{}) {
		return ErrInvalidFeeDestination
	}
	policy := c.Policy.build(address)
	if err := validatePolicy(policy); err != nil {
		return err
	}

	b.vault = &Vault{
		Address:        address,
		Owner:          b.signer,
		VaultID:        c.VaultID,
		FeeDestination: c.FeeDestination,
		Status:         StatusActive,
		CreatedAt:      b.tick.Timestamp,
	}
	b.vaultCreated = true
	b.policy, b.policyLoaded, b.policyDirty, b.policyDeleted = policy, true, true, false
	b.tracker = NewSpendTracker(address, b.limits.AuditCapacity)
	b.trackerLoaded, b.trackerDirty, b.trackerDeleted = true, true, false

	b.emit(EventVaultCreated, VaultCreated{
		Owner:              b.signer,
		VaultID:            c.VaultID,
		FeeDestination:     c.FeeDestination,
		DailySpendingCap:   policy.DailySpendingCap,
		MaxTransactionSize: policy.MaxTransactionSize,
		DeveloperFeeRate:   policy.DeveloperFeeRate,
	})
	return nil
}

// UpdatePolicy 按字段更新策略。
type UpdatePolicy struct {
	Patch PolicyPatch `json:"patch"`
}

// Name 实现 Instruction 接口。
func (UpdatePolicy) Name() string { return "update_policy" }

func (u UpdatePolicy) apply(b *batch) error {
	if _, err := b.ownedOpenVault(); err != nil {
		return err
	}
	current, err := b.requirePolicy()
	if err != nil {
		return err
	}
	next, err := u.Patch.Apply(current)
	if err != nil {
		return err
	}
	b.policy = next
	b.policyDirty = true
	b.emit(EventPolicyUpdated, PolicyUpdated{Policy: next.Clone()})
	return nil
}

// RegisterAgent 登记唯一的代理密钥。
type RegisterAgent struct {
	Agent common.Address `json:"agent"`
}

// Name 实现 Instruction 接口。
func (RegisterAgent) Name() string { return "register_agent" }

func (r RegisterAgent) apply(b *batch) error {
	v, err := b.ownedOpenVault()
	if err != nil {
		return err
	}
	if v.HasAgent() {
		return ErrAgentAlreadyRegistered
	}
	if err := validateAgentKey(v, r.Agent); err != nil {
		return err
	}
	v.Agent = r.Agent
	b.vaultDirty = true
	b.emit(EventAgentRegistered, AgentChanged{Agent: r.Agent})
	return nil
}

func validateAgentKey(v *Vault, agent common.Address) error {
	if agent == (common.Address{}) {
		return ErrInvalidAgentKey
	}
	if agent == v.Owner {
		return ErrAgentIsOwner
	}
	return nil
}

// RevokeAgent 是所有者的紧急开关：冻结金库并清除代理密钥。重复调用不报错。
type RevokeAgent struct{}

// Name 实现 Instruction 接口。
func (RevokeAgent) Name() string { return "revoke_agent" }

func (RevokeAgent) apply(b *batch) error {
	v, err := b.ownedOpenVault()
	if err != nil {
		return err
	}
	previous := v.Agent
	v.Status = StatusFrozen
	v.Agent = common.Address{}
	b.vaultDirty = true
	b.emit(EventAgentRevoked, AgentChanged{Agent: previous})
	return nil
}

// ReactivateVault 解除冻结，可同时更换代理。
type ReactivateVault struct {
	NewAgent *common.Address `json:"new_agent,omitempty"`
}

// Name 实现 Instruction 接口。
func (ReactivateVault) Name() string { return "reactivate_vault" }

func (r ReactivateVault) apply(b *batch) error {
	v, err := b.ownedOpenVault()
	if err != nil {
		return err
	}
	if v.Status != StatusFrozen {
		return ErrVaultNotFrozen
	}
	if r.NewAgent != nil {
		if err := validateAgentKey(v, *r.NewAgent); err != nil {
			return err
		}
		v.Agent = *r.NewAgent
	}
	v.Status = StatusActive
	b.vaultDirty = true

	var agent *common.Address
	if r.NewAgent != nil {
		copied := *r.NewAgent
		agent = &copied
	}
	b.emit(EventVaultReactivated, VaultReactivated{NewAgent: agent})
	return nil
}

// Deposit 将所有者账户的资金转入金库托管。
type Deposit struct {
	Token  common.Address `json:"token"`
	Amount uint64         `json:"amount"`
}

// Name 实现 Instruction 接口。
func (Deposit) Name() string { return "deposit" }

func (d Deposit) apply(b *batch) error {
	v, err := b.ownedOpenVault()
	if err != nil {
		return err
	}
	if d.Amount == 0 {
		return ErrInvalidAmount
	}
	if err := b.transfer(v.Owner, v.Address, d.Token, d.Amount); err != nil {
		return err
	}
	b.emit(EventFundsDeposited, FundsMoved{Token: d.Token, Amount: d.Amount, Counterpart: v.Owner})
	return nil
}

// Withdraw 将金库托管资金转回所有者，冻结状态下同样可用。
type Withdraw struct {
	Token  common.Address `json:"token"`
	Amount uint64         `json:"amount"`
}

// Name 实现 Instruction 接口。
func (Withdraw) Name() string { return "withdraw" }

func (w Withdraw) apply(b *batch) error {
	v, err := b.ownedOpenVault()
	if err != nil {
		return err
	}
	if w.Amount == 0 {
		return ErrInvalidAmount
	}
	if err := b.transfer(v.Address, v.Owner, w.Token, w.Amount); err != nil {
		return err
	}
	b.emit(EventFundsWithdrawn, FundsMoved{Token: w.Token, Amount: w.Amount, Counterpart: v.Owner})
	return nil
}

// CloseVault 关闭金库：清退余额与会话押金，删除策略和追踪器，保留墓碑记录。
type CloseVault struct{}

// Name 实现 Instruction 接口。
func (CloseVault) Name() string { return "close_vault" }

func (CloseVault) apply(b *batch) error {
	v, err := b.ownedOpenVault()
	if err != nil {
		return err
	}
	if v.OpenPositions != 0 {
		return ErrOpenPositionsExist
	}

	sessions, err := b.pendingSessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := b.closeSession(s.Agent); err != nil {
			return err
		}
		if err := b.transfer(SessionAddress(v.Address, s.Agent), s.Agent, NativeToken, s.Deposit); err != nil {
			return err
		}
	}

	holdings, err := b.balances(v.Address)
	if err != nil {
		return err
	}
	tokens := make([]common.Address, 0, len(holdings))
	for token := range holdings {
		tokens = append(tokens, token)
	}
	sortAddresses(tokens)
	swept := make(map[string]uint64, len(tokens))
	for _, token := range tokens {
		if err := b.transfer(v.Address, v.Owner, token, holdings[token]); err != nil {
			return err
		}
		swept[token.Hex()] = holdings[token]
	}

	v.Status = StatusClosed
	v.Agent = common.Address{}
	b.vaultDirty = true
	b.policy, b.policyDeleted = nil, true
	b.tracker, b.trackerDeleted = nil, true

	b.emit(EventVaultClosed, VaultClosed{Owner: v.Owner, Swept: swept})
	return nil
}
