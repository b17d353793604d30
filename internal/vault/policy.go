package vault

import "github.com/ethereum/go-ethereum/common"

// PolicyParams 是创建金库时提交的策略参数。
type PolicyParams struct {
	DailySpendingCap       uint64           `json:"daily_spending_cap"`
	MaxTransactionSize     uint64           `json:"max_transaction_size"`
	AllowedTokens          []common.Address `json:"allowed_tokens"`
	AllowedProtocols       []common.Address `json:"allowed_protocols"`
	MaxLeverageBps         uint16           `json:"max_leverage_bps"`
	MaxConcurrentPositions uint8            `json:"max_concurrent_positions"`
	DeveloperFeeRate       uint16           `json:"developer_fee_rate"`
	// CanOpenPositions 为空时默认允许开仓。
	CanOpenPositions *bool `json:"can_open_positions,omitempty"`
}

func (p PolicyParams) build(vault common.Address) *Policy {
	canOpen := true
	if p.CanOpenPositions != nil {
		canOpen = *p.CanOpenPositions
	}
	return &Policy{
		Vault:                  vault,
		DailySpendingCap:       p.DailySpendingCap,
		MaxTransactionSize:     p.MaxTransactionSize,
		AllowedTokens:          cloneAddresses(p.AllowedTokens),
		AllowedProtocols:       cloneAddresses(p.AllowedProtocols),
		MaxLeverageBps:         p.MaxLeverageBps,
		CanOpenPositions:       canOpen,
		MaxConcurrentPositions: p.MaxConcurrentPositions,
		DeveloperFeeRate:       p.DeveloperFeeRate,
	}
}

// PolicyPatch 描述策略更新，nil 字段保持不变。
// 白名单字段指向空切片时表示清空（即允许全部）。
type PolicyPatch struct {
	DailySpendingCap       *uint64           `json:"daily_spending_cap,omitempty"`
	MaxTransactionSize     *uint64           `json:"max_transaction_size,omitempty"`
	AllowedTokens          *[]common.Address `json:"allowed_tokens,omitempty"`
	AllowedProtocols       *[]common.Address `json:"allowed_protocols,omitempty"`
	MaxLeverageBps         *uint16           `json:"max_leverage_bps,omitempty"`
	CanOpenPositions       *bool             `json:"can_open_positions,omitempty"`
	MaxConcurrentPositions *uint8            `json:"max_concurrent_positions,omitempty"`
	DeveloperFeeRate       *uint16           `json:"developer_fee_rate,omitempty"`
}

// Apply 在副本上应用更新并校验，原策略不受影响。
func (patch PolicyPatch) Apply(current *Policy) (*Policy, error) {
	next := current.Clone()
	if patch.DailySpendingCap != nil {
		next.DailySpendingCap = *patch.DailySpendingCap
	}
	if patch.MaxTransactionSize != nil {
		next.MaxTransactionSize = *patch.MaxTransactionSize
	}
	if patch.AllowedTokens != nil {
		next.AllowedTokens = cloneAddresses(*patch.AllowedTokens)
	}
	if patch.AllowedProtocols != nil {
		next.AllowedProtocols = cloneAddresses(*patch.AllowedProtocols)
	}
	if patch.MaxLeverageBps != nil {
		next.MaxLeverageBps = *patch.MaxLeverageBps
	}
	if patch.CanOpenPositions != nil {
		next.CanOpenPositions = *patch.CanOpenPositions
	}
	if patch.MaxConcurrentPositions != nil {
		next.MaxConcurrentPositions = *patch.MaxConcurrentPositions
	}
	if patch.DeveloperFeeRate != nil {
		next.DeveloperFeeRate = *patch.DeveloperFeeRate
	}
	if err := validatePolicy(next); err != nil {
		return nil, err
	}
	return next, nil
}

func validatePolicy(p *Policy) error {
	if len(p.AllowedTokens) > MaxAllowedTokens {
		return ErrTooManyAllowedTokens
	}
	if len(p.AllowedProtocols) > MaxAllowedProtocols {
		return ErrTooManyAllowedProtocols
	}
	if p.DeveloperFeeRate > MaxDeveloperFeeRate {
		return ErrDeveloperFeeTooHigh
	}
	return nil
}
