package vault

import "github.com/ethereum/go-ethereum/common"

const (
	// MaxAllowedTokens 和 MaxAllowedProtocols 限制白名单大小。
	MaxAllowedTokens    = 10
	MaxAllowedProtocols = 10

	DefaultAuditCapacity        = 50
	DefaultMaxSpendEntries      = 100
	DefaultRollingWindowSeconds = 86_400
	DefaultSessionExpirySlots   = 20
)

// NativeToken 表示会话押金使用的原生代币。
var NativeToken = common.Address{}

// Limits 汇总可调的容量与时间参数。
type Limits struct {
	AuditCapacity        int    `yaml:"audit_capacity" json:"audit_capacity"`
	MaxSpendEntries      int    `yaml:"max_spend_entries" json:"max_spend_entries"`
	RollingWindowSeconds int64  `yaml:"rolling_window_seconds" json:"rolling_window_seconds"`
	SessionExpirySlots   uint64 `yaml:"session_expiry_slots" json:"session_expiry_slots"`
	// SessionDeposit 为 0 时不收取会话押金。
	SessionDeposit uint64 `yaml:"session_deposit" json:"session_deposit"`
}

// DefaultLimits 返回默认参数。
func DefaultLimits() Limits {
	return Limits{
		AuditCapacity:        DefaultAuditCapacity,
		MaxSpendEntries:      DefaultMaxSpendEntries,
		RollingWindowSeconds: DefaultRollingWindowSeconds,
		SessionExpirySlots:   DefaultSessionExpirySlots,
	}
}

func (l Limits) normalised() Limits {
	def := DefaultLimits()
	if l.AuditCapacity <= 0 {
		l.AuditCapacity = def.AuditCapacity
	}
	if l.MaxSpendEntries <= 0 {
		l.MaxSpendEntries = def.MaxSpendEntries
	}
	if l.RollingWindowSeconds <= 0 {
		l.RollingWindowSeconds = def.RollingWindowSeconds
	}
	if l.SessionExpirySlots == 0 {
		l.SessionExpirySlots = def.SessionExpirySlots
	}
	return l
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
