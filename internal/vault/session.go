package vault

import (
	"github.com/ethereum/go-ethereum/common"
)

// Authorize 校验代理申请的动作并占用额度，成功后打开会话。
type Authorize struct {
	Action      ActionKind     `json:"action"`
	Token       common.Address `json:"token"`
	Protocol    common.Address `json:"protocol"`
	Amount      uint64         `json:"amount"`
	LeverageBps *uint16        `json:"leverage_bps,omitempty"`
}

// Name 实现 Instruction 接口。
func (Authorize) Name() string { return "authorize" }

func (a Authorize) apply(b *batch) error {
	v, err := b.requireVault()
	if err != nil {
		return err
	}
	if v.Status != StatusActive {
		return ErrVaultNotActive
	}
	if !v.HasAgent() {
		return ErrNoAgentRegistered
	}
	if b.signer != v.Agent {
		return ErrUnauthorizedAgent
	}
	if !a.Action.Valid() {
		return ErrInvalidAction
	}

	policy, err := b.requirePolicy()
	if err != nil {
		return err
	}
	if a.Action.OpensPosition() && !policy.CanOpenPositions {
		return ErrPositionOpeningDisallowed
	}
	if a.LeverageBps != nil && *a.LeverageBps > policy.MaxLeverageBps {
		return ErrLeverageTooHigh
	}
	if !policy.AllowsToken(a.Token) {
		return ErrTokenNotAllowed
	}
	if !policy.AllowsProtocol(a.Protocol) {
		return ErrProtocolNotAllowed
	}
	if a.Amount == 0 {
		return ErrInvalidAmount
	}
	if a.Amount > policy.MaxTransactionSize {
		return ErrTransactionTooLarge
	}

	tracker, err := b.requireTracker()
	if err != nil {
		return err
	}
	window := b.limits.RollingWindowSeconds
	spent, err := tracker.RollingSpend(a.Token, b.tick.Timestamp, window)
	if err != nil {
		return err
	}
	after, err := checkedAdd(spent, a.Amount)
	if err != nil {
		return err
	}
	if after > policy.DailySpendingCap {
		return ErrDailyCapExceeded
	}
	if a.Action.OpensPosition() && v.OpenPositions >= policy.MaxConcurrentPositions {
		return ErrTooManyPositions
	}

	session := &Session{
		Vault:         v.Address,
		Agent:         b.signer,
		Authorized:    true,
		Action:        a.Action,
		Token:         a.Token,
		Protocol:      a.Protocol,
		Amount:        a.Amount,
		CreatedAtSlot: b.tick.Slot,
		ExpiresAtSlot: saturatingAdd(b.tick.Slot, b.limits.SessionExpirySlots),
		Deposit:       b.limits.SessionDeposit,
	}
	if a.LeverageBps != nil {
		lev := *a.LeverageBps
		session.LeverageBps = &lev
	}
	if err := b.openSession(session); err != nil {
		return err
	}
	if err := tracker.Reserve(SpendEntry{Token: a.Token, Amount: a.Amount, Timestamp: b.tick.Timestamp}, window, b.limits.MaxSpendEntries); err != nil {
		return err
	}
	b.trackerDirty = true
	if err := b.transfer(b.signer, SessionAddress(v.Address, b.signer), NativeToken, session.Deposit); err != nil {
		return err
	}

	b.emit(EventActionAuthorized, ActionAuthorized{
		Agent:             b.signer,
		Action:            a.Action,
		Token:             a.Token,
		Protocol:          a.Protocol,
		Amount:            a.Amount,
		LeverageBps:       session.LeverageBps,
		RollingSpendAfter: after,
		DailyCap:          policy.DailySpendingCap,
		ExpiresAtSlot:     session.ExpiresAtSlot,
	})
	return nil
}

// Finalize 结算会话：成功时记账并收取费用，无论成败都写入审计并释放会话。
// 未过期的会话只能由其代理结算；过期会话任何人都可清理，且一律按失败处理。
type Finalize struct {
	// Agent 指定会话所属代理，为空时取签名者。
	Agent   common.Address `json:"agent"`
	Success bool           `json:"success"`
	// 以下账户为空时使用规范账户，非空时必须与之一致。
	RentRecipient    *common.Address `json:"rent_recipient,omitempty"`
	ProtocolTreasury *common.Address `json:"protocol_treasury,omitempty"`
	FeeDestination   *common.Address `json:"fee_destination,omitempty"`
}

// Name 实现 Instruction 接口。
func (Finalize) Name() string { return "finalize" }

func (f Finalize) apply(b *batch) error {
	agent := f.Agent
	if agent == (common.Address{}) {
		agent = b.signer
	}
	v, err := b.requireVault()
	if err != nil {
		return err
	}
	session, err := b.session(agent)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if session.Vault != v.Address {
		return ErrInvalidSession
	}
	if f.RentRecipient != nil && *f.RentRecipient != session.Agent {
		return ErrInvalidSession
	}

	expired := session.Expired(b.tick.Slot)
	if !expired {
		if b.signer != session.Agent {
			return ErrUnauthorizedAgent
		}
		if !session.Authorized {
			return ErrSessionNotAuthorized
		}
	}
	success := f.Success && !expired

	if success {
		if err := b.settle(v, session, f); err != nil {
			return err
		}
	}

	tracker, err := b.requireTracker()
	if err != nil {
		return err
	}
	tracker.Record(TransactionRecord{
		Timestamp: b.tick.Timestamp,
		Action:    session.Action,
		Token:     session.Token,
		Amount:    session.Amount,
		Protocol:  session.Protocol,
		Success:   success,
		Slot:      b.tick.Slot,
	})
	b.trackerDirty = true

	if err := b.closeSession(agent); err != nil {
		return err
	}
	if err := b.transfer(SessionAddress(v.Address, agent), session.Agent, NativeToken, session.Deposit); err != nil {
		return err
	}

	b.emit(EventSessionFinalized, SessionFinalized{
		Agent:   session.Agent,
		Caller:  b.signer,
		Success: success,
		Expired: expired,
		Action:  session.Action,
		Amount:  session.Amount,
	})
	return nil
}

// settle 应用成功结算的计数与费用。
func (b *batch) settle(v *Vault, session *Session, f Finalize) error {
	policy, err := b.requirePolicy()
	if err != nil {
		return err
	}
	fees, err := ComputeFees(session.Amount, policy.DeveloperFeeRate)
	if err != nil {
		return err
	}

	if fees.Protocol > 0 {
		if f.ProtocolTreasury != nil && *f.ProtocolTreasury != ProtocolTreasury {
			return ErrInvalidProtocolTreasury
		}
		if err := b.transfer(v.Address, ProtocolTreasury, session.Token, fees.Protocol); err != nil {
			return err
		}
	}
	if fees.Developer > 0 {
		if f.FeeDestination != nil && *f.FeeDestination != v.FeeDestination {
			return ErrInvalidFeeDestination
		}
		if err := b.transfer(v.Address, v.FeeDestination, session.Token, fees.Developer); err != nil {
			return err
		}
		total, err := checkedAdd(v.TotalFeesCollected, fees.Developer)
		if err != nil {
			return err
		}
		v.TotalFeesCollected = total
	}

	txCount, err := checkedAdd(v.TotalTransactions, 1)
	if err != nil {
		return err
	}
	volume, err := checkedAdd(v.TotalVolume, session.Amount)
	if err != nil {
		return err
	}
	v.TotalTransactions = txCount
	v.TotalVolume = volume

	switch {
	case session.Action.OpensPosition():
		if v.OpenPositions == ^uint8(0) {
			return ErrOverflow
		}
		v.OpenPositions++
	case session.Action.ClosesPosition():
		if v.OpenPositions > 0 {
			v.OpenPositions--
		}
	}
	b.vaultDirty = true

	if fees.Protocol > 0 || fees.Developer > 0 {
		b.emit(EventFeesCollected, FeesCollected{
			Token:                     session.Token,
			TransactionAmount:         session.Amount,
			ProtocolFee:               fees.Protocol,
			DeveloperFee:              fees.Developer,
			ProtocolFeeRate:           ProtocolFeeRate,
			DeveloperFeeRate:          policy.DeveloperFeeRate,
			ProtocolTreasury:          ProtocolTreasury,
			FeeDestination:            v.FeeDestination,
			CumulativeDeveloperFeeSum: v.TotalFeesCollected,
		})
	}
	return nil
}
