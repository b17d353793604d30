package vault

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Status 表示金库所处的生命周期阶段。
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusFrozen
	StatusClosed
)

var statusNames = map[Status]string{
	StatusActive: "active",
	StatusFrozen: "frozen",
	StatusClosed: "closed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("未知的金库状态 %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("未知的金库状态 %q", string(text))
}

// ActionKind 是代理可申请执行的动作种类，构成一个封闭集合。
type ActionKind uint8

const (
	ActionSwap ActionKind = iota + 1
	ActionOpenPosition
	ActionClosePosition
	ActionIncreasePosition
	ActionDecreasePosition
	ActionDeposit
	ActionWithdraw
)

var actionNames = map[ActionKind]string{
	ActionSwap:             "swap",
	ActionOpenPosition:     "open_position",
	ActionClosePosition:    "close_position",
	ActionIncreasePosition: "increase_position",
	ActionDecreasePosition: "decrease_position",
	ActionDeposit:          "deposit",
	ActionWithdraw:         "withdraw",
}

// ParseActionKind 将字符串解析为动作种类。
func ParseActionKind(raw string) (ActionKind, error) {
	for kind, name := range actionNames {
		if strings.EqualFold(name, strings.TrimSpace(raw)) {
			return kind, nil
		}
	}
	return 0, detailed(ErrInvalidAction, fmt.Sprintf("%q", raw))
}

// Valid 判断动作是否属于已知集合。
func (a ActionKind) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// OpensPosition 表示该动作会新增一个持仓。
func (a ActionKind) OpensPosition() bool { return a == ActionOpenPosition }

// ClosesPosition 表示该动作会关闭一个持仓。
func (a ActionKind) ClosesPosition() bool { return a == ActionClosePosition }

func (a ActionKind) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// MarshalText 实现 encoding.TextMarshaler。未知取值按 action(n) 输出，拒绝事件需要原样回显。
func (a ActionKind) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。接受 MarshalText 输出的 action(n) 形式，
// 取值是否合法由 Authorize 校验。
func (a *ActionKind) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if inner, ok := strings.CutPrefix(raw, "action("); ok && strings.HasSuffix(inner, ")") {
		n, err := strconv.ParseUint(strings.TrimSuffix(inner, ")"), 10, 8)
		if err != nil {
			return detailed(ErrInvalidAction, fmt.Sprintf("%q", raw))
		}
		*a = ActionKind(n)
		return nil
	}
	kind, err := ParseActionKind(raw)
	if err != nil {
		return err
	}
	*a = kind
	return nil
}

// Vault 是托管账户的主记录，以 (owner, vaultId) 唯一确定。
type Vault struct {
	Address            common.Address `json:"address"`
	Owner              common.Address `json:"owner"`
	VaultID            uint64         `json:"vault_id"`
	Agent              common.Address `json:"agent"`
	FeeDestination     common.Address `json:"fee_destination"`
	Status             Status         `json:"status"`
	CreatedAt          int64          `json:"created_at"`
	TotalTransactions  uint64         `json:"total_transactions"`
	TotalVolume        uint64         `json:"total_volume"`
	TotalFeesCollected uint64         `json:"total_fees_collected"`
	OpenPositions      uint8          `json:"open_positions"`
}

// HasAgent 判断是否已登记代理。
func (v *Vault) HasAgent() bool {
	return v != nil && v.Agent != (common.Address{})
}

// Clone 返回深拷贝。
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// Policy 是所有者设定的代理约束，与金库一一对应。
type Policy struct {
	Vault                  common.Address   `json:"vault"`
	DailySpendingCap       uint64           `json:"daily_spending_cap"`
	MaxTransactionSize     uint64           `json:"max_transaction_size"`
	AllowedTokens          []common.Address `json:"allowed_tokens"`
	AllowedProtocols       []common.Address `json:"allowed_protocols"`
	MaxLeverageBps         uint16           `json:"max_leverage_bps"`
	CanOpenPositions       bool             `json:"can_open_positions"`
	MaxConcurrentPositions uint8            `json:"max_concurrent_positions"`
	DeveloperFeeRate       uint16           `json:"developer_fee_rate"`
}

// AllowsToken 空白名单表示允许全部代币。
func (p *Policy) AllowsToken(token common.Address) bool {
	return allowed(p.AllowedTokens, token)
}

// AllowsProtocol 空白名单表示允许全部协议。
func (p *Policy) AllowsProtocol(protocol common.Address) bool {
	return allowed(p.AllowedProtocols, protocol)
}

func allowed(set []common.Address, addr common.Address) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if candidate == addr {
			return true
		}
	}
	return false
}

// Clone 返回深拷贝。
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.AllowedTokens = cloneAddresses(p.AllowedTokens)
	clone.AllowedProtocols = cloneAddresses(p.AllowedProtocols)
	return &clone
}

func cloneAddresses(in []common.Address) []common.Address {
	if in == nil {
		return nil
	}
	out := make([]common.Address, len(in))
	copy(out, in)
	return out
}

// SpendEntry 是滚动窗口内的一笔额度占用。
type SpendEntry struct {
	Token     common.Address `json:"token"`
	Amount    uint64         `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

// TransactionRecord 是审计日志中的一条记录。
type TransactionRecord struct {
	Timestamp int64          `json:"timestamp"`
	Action    ActionKind     `json:"action"`
	Token     common.Address `json:"token"`
	Amount    uint64         `json:"amount"`
	Protocol  common.Address `json:"protocol"`
	Success   bool           `json:"success"`
	Slot      uint64         `json:"slot"`
}

// Session 是 authorize 与 finalize 之间的临时授权凭证，每个 (vault, agent) 至多一个。
type Session struct {
	Vault         common.Address `json:"vault"`
	Agent         common.Address `json:"agent"`
	Authorized    bool           `json:"authorized"`
	Action        ActionKind     `json:"action"`
	Token         common.Address `json:"token"`
	Protocol      common.Address `json:"protocol"`
	Amount        uint64         `json:"amount"`
	LeverageBps   *uint16        `json:"leverage_bps,omitempty"`
	CreatedAtSlot uint64         `json:"created_at_slot"`
	ExpiresAtSlot uint64         `json:"expires_at_slot"`
	Deposit       uint64         `json:"deposit"`
}

// Expired 判断会话在给定 slot 是否已经过期。
func (s *Session) Expired(slot uint64) bool {
	return slot > s.ExpiresAtSlot
}

// Clone 返回深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.LeverageBps != nil {
		lev := *s.LeverageBps
		clone.LeverageBps = &lev
	}
	return &clone
}
