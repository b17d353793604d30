package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind 标识事件类型。
type EventKind string

const (
	EventVaultCreated     EventKind = "vault_created"
	EventFundsDeposited   EventKind = "funds_deposited"
	EventFundsWithdrawn   EventKind = "funds_withdrawn"
	EventAgentRegistered  EventKind = "agent_registered"
	EventAgentRevoked     EventKind = "agent_revoked"
	EventPolicyUpdated    EventKind = "policy_updated"
	EventActionAuthorized EventKind = "action_authorized"
	EventActionDenied     EventKind = "action_denied"
	EventSessionFinalized EventKind = "session_finalized"
	EventFeesCollected    EventKind = "fees_collected"
	EventVaultReactivated EventKind = "vault_reactivated"
	EventVaultClosed      EventKind = "vault_closed"
	EventAccountCredited  EventKind = "account_credited"
)

// Event 是对外广播的只读通知，不作为状态依据。
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Vault     common.Address `json:"vault"`
	TxID      string         `json:"tx_id"`
	Slot      uint64         `json:"slot"`
	Timestamp int64          `json:"timestamp"`
	Payload   any            `json:"payload"`
}

// EventSink 接收已提交事务产生的事件。
type EventSink interface {
	Publish(ctx context.Context, events []Event) error
}

type VaultCreated struct {
	Owner              common.Address `json:"owner"`
	VaultID            uint64         `json:"vault_id"`
	FeeDestination     common.Address `json:"fee_destination"`
	DailySpendingCap   uint64         `json:"daily_spending_cap"`
	MaxTransactionSize uint64         `json:"max_transaction_size"`
	DeveloperFeeRate   uint16         `json:"developer_fee_rate"`
}

type FundsMoved struct {
	Token       common.Address `json:"token"`
	Amount      uint64         `json:"amount"`
	Counterpart common.Address `json:"counterpart"`
}

type AgentChanged struct {
	Agent common.Address `json:"agent"`
}

type PolicyUpdated struct {
	Policy *Policy `json:"policy"`
}

type ActionAuthorized struct {
	Agent             common.Address `json:"agent"`
	Action            ActionKind     `json:"action"`
	Token             common.Address `json:"token"`
	Protocol          common.Address `json:"protocol"`
	Amount            uint64         `json:"amount"`
	LeverageBps       *uint16        `json:"leverage_bps,omitempty"`
	RollingSpendAfter uint64         `json:"rolling_spend_after"`
	DailyCap          uint64         `json:"daily_cap"`
	ExpiresAtSlot     uint64         `json:"expires_at_slot"`
}

type ActionDenied struct {
	Agent    common.Address `json:"agent"`
	Action   ActionKind     `json:"action"`
	Token    common.Address `json:"token"`
	Protocol common.Address `json:"protocol"`
	Amount   uint64         `json:"amount"`
	Code     string         `json:"code"`
	Reason   string         `json:"reason"`
}

type SessionFinalized struct {
	Agent   common.Address `json:"agent"`
	Caller  common.Address `json:"caller"`
	Success bool           `json:"success"`
	Expired bool           `json:"expired"`
	Action  ActionKind     `json:"action"`
	Amount  uint64         `json:"amount"`
}

type FeesCollected struct {
	Token                     common.Address `json:"token"`
	TransactionAmount         uint64         `json:"transaction_amount"`
	ProtocolFee               uint64         `json:"protocol_fee"`
	DeveloperFee              uint64         `json:"developer_fee"`
	ProtocolFeeRate           uint64         `json:"protocol_fee_rate"`
	DeveloperFeeRate          uint16         `json:"developer_fee_rate"`
	ProtocolTreasury          common.Address `json:"protocol_treasury"`
	FeeDestination            common.Address `json:"fee_destination"`
	CumulativeDeveloperFeeSum uint64         `json:"cumulative_developer_fees"`
}

type VaultReactivated struct {
	NewAgent *common.Address `json:"new_agent,omitempty"`
}

type VaultClosed struct {
	Owner common.Address    `json:"owner"`
	Swept map[string]uint64 `json:"swept,omitempty"`
}

type AccountCredited struct {
	Operator  common.Address `json:"operator"`
	Account   common.Address `json:"account"`
	Token     common.Address `json:"token"`
	Amount    uint64         `json:"amount"`
	Balance   uint64         `json:"balance"`
	Reference string         `json:"reference,omitempty"`
}
