package vault

import (
	xerrors "AgentShield/internal/errors"
)

// CodeOK 是成功事务在观测指标中使用的结果码。
const CodeOK xerrors.Code = "OK"

const (
	// 策略违规。
	CodeTokenNotAllowed           xerrors.Code = "TOKEN_NOT_ALLOWED"
	CodeProtocolNotAllowed        xerrors.Code = "PROTOCOL_NOT_ALLOWED"
	CodeTransactionTooLarge       xerrors.Code = "TRANSACTION_TOO_LARGE"
	CodeDailyCapExceeded          xerrors.Code = "DAILY_CAP_EXCEEDED"
	CodeLeverageTooHigh           xerrors.Code = "LEVERAGE_TOO_HIGH"
	CodeTooManyPositions          xerrors.Code = "TOO_MANY_POSITIONS"
	CodePositionOpeningDisallowed xerrors.Code = "POSITION_OPENING_DISALLOWED"
	CodeInvalidAmount             xerrors.Code = "INVALID_AMOUNT"

	// 权限违规。
	CodeUnauthorizedAgent      xerrors.Code = "UNAUTHORIZED_AGENT"
	CodeUnauthorizedOwner      xerrors.Code = "UNAUTHORIZED_OWNER"
	CodeInvalidAgentKey        xerrors.Code = "INVALID_AGENT_KEY"
	CodeAgentIsOwner           xerrors.Code = "AGENT_IS_OWNER"
	CodeAgentAlreadyRegistered xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeNoAgentRegistered      xerrors.Code = "NO_AGENT_REGISTERED"
	CodeSessionNotAuthorized   xerrors.Code = "SESSION_NOT_AUTHORIZED"
	CodeInvalidSession         xerrors.Code = "INVALID_SESSION"

	// 生命周期违规。
	CodeVaultNotActive      xerrors.Code = "VAULT_NOT_ACTIVE"
	CodeVaultNotFrozen      xerrors.Code = "VAULT_NOT_FROZEN"
	CodeVaultAlreadyClosed  xerrors.Code = "VAULT_ALREADY_CLOSED"
	CodeOpenPositionsExist  xerrors.Code = "OPEN_POSITIONS_EXIST"
	CodeVaultExists         xerrors.Code = "VAULT_EXISTS"
	CodeSessionExists       xerrors.Code = "SESSION_EXISTS"
	CodeVaultNotFound       xerrors.Code = "VAULT_NOT_FOUND"
	CodeSessionNotFound     xerrors.Code = "SESSION_NOT_FOUND"
	CodeRecordMissing       xerrors.Code = "VAULT_RECORD_MISSING"
	CodeExternalActionError xerrors.Code = "EXTERNAL_ACTION_FAILED"

	// 容量违规。
	CodeTooManyAllowedTokens    xerrors.Code = "TOO_MANY_ALLOWED_TOKENS"
	CodeTooManyAllowedProtocols xerrors.Code = "TOO_MANY_ALLOWED_PROTOCOLS"
	CodeTooManySpendEntries     xerrors.Code = "TOO_MANY_SPEND_ENTRIES"

	// 配置违规。
	CodeDeveloperFeeTooHigh     xerrors.Code = "DEVELOPER_FEE_TOO_HIGH"
	CodeInvalidFeeDestination   xerrors.Code = "INVALID_FEE_DESTINATION"
	CodeInvalidProtocolTreasury xerrors.Code = "INVALID_PROTOCOL_TREASURY"

	// 完整性。
	CodeOverflow            xerrors.Code = "OVERFLOW"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"

	// 请求格式。
	CodeInvalidTransaction xerrors.Code = "INVALID_TRANSACTION"
	CodeInvalidAction      xerrors.Code = "INVALID_ACTION_KIND"
)

var (
	ErrTokenNotAllowed           = xerrors.New(CodeTokenNotAllowed, "token is not in the allow-list")
	ErrProtocolNotAllowed        = xerrors.New(CodeProtocolNotAllowed, "protocol is not in the allow-list")
	ErrTransactionTooLarge       = xerrors.New(CodeTransactionTooLarge, "amount exceeds max transaction size")
	ErrDailyCapExceeded          = xerrors.New(CodeDailyCapExceeded, "rolling spend would exceed the daily cap")
	ErrLeverageTooHigh           = xerrors.New(CodeLeverageTooHigh, "leverage exceeds policy maximum")
	ErrTooManyPositions          = xerrors.New(CodeTooManyPositions, "max concurrent positions reached")
	ErrPositionOpeningDisallowed = xerrors.New(CodePositionOpeningDisallowed, "policy forbids opening positions")
	ErrInvalidAmount             = xerrors.New(CodeInvalidAmount, "amount must be positive")

	ErrUnauthorizedAgent      = xerrors.New(CodeUnauthorizedAgent, "signer is not the registered agent")
	ErrUnauthorizedOwner      = xerrors.New(CodeUnauthorizedOwner, "signer is not the vault owner")
	ErrInvalidAgentKey        = xerrors.New(CodeInvalidAgentKey, "agent key must not be the zero address")
	ErrAgentIsOwner           = xerrors.New(CodeAgentIsOwner, "agent key must differ from the owner")
	ErrAgentAlreadyRegistered = xerrors.New(CodeAgentAlreadyRegistered, "an agent is already registered")
	ErrNoAgentRegistered      = xerrors.New(CodeNoAgentRegistered, "no agent is registered")
	ErrSessionNotAuthorized   = xerrors.New(CodeSessionNotAuthorized, "session is not authorized")
	ErrInvalidSession         = xerrors.New(CodeInvalidSession, "session does not match the request")

	ErrVaultNotActive     = xerrors.New(CodeVaultNotActive, "vault is not active")
	ErrVaultNotFrozen     = xerrors.New(CodeVaultNotFrozen, "vault is not frozen")
	ErrVaultAlreadyClosed = xerrors.New(CodeVaultAlreadyClosed, "vault is closed")
	ErrOpenPositionsExist = xerrors.New(CodeOpenPositionsExist, "vault still has open positions")
	ErrVaultExists        = xerrors.New(CodeVaultExists, "vault already exists")
	ErrSessionExists      = xerrors.New(CodeSessionExists, "a session is already open for this agent")
	ErrVaultNotFound      = xerrors.New(CodeVaultNotFound, "vault not found")
	ErrSessionNotFound    = xerrors.New(CodeSessionNotFound, "session not found")
	ErrRecordMissing      = xerrors.New(CodeRecordMissing, "policy or tracker record missing")

	ErrTooManyAllowedTokens    = xerrors.New(CodeTooManyAllowedTokens, "too many allowed tokens")
	ErrTooManyAllowedProtocols = xerrors.New(CodeTooManyAllowedProtocols, "too many allowed protocols")
	ErrTooManySpendEntries     = xerrors.New(CodeTooManySpendEntries, "spend tracker is full")

	ErrDeveloperFeeTooHigh     = xerrors.New(CodeDeveloperFeeTooHigh, "developer fee rate exceeds ceiling")
	ErrInvalidFeeDestination   = xerrors.New(CodeInvalidFeeDestination, "fee destination mismatch")
	ErrInvalidProtocolTreasury = xerrors.New(CodeInvalidProtocolTreasury, "protocol treasury mismatch")

	ErrOverflow            = xerrors.New(CodeOverflow, "arithmetic overflow")
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")

	ErrInvalidTransaction = xerrors.New(CodeInvalidTransaction, "invalid transaction")
	ErrInvalidAction      = xerrors.New(CodeInvalidAction, "unknown action kind")
)

func init() {
	register := func(category xerrors.Category, sev xerrors.Severity, alert bool, codes map[xerrors.Code]string) {
		for code, msg := range codes {
			xerrors.Register(code, xerrors.Attributes{
				Message:  msg,
				Severity: sev,
				Alert:    alert,
				Category: category,
			})
		}
	}

	register(xerrors.CategoryPolicy, xerrors.SeverityInfo, false, map[xerrors.Code]string{
		CodeTokenNotAllowed:           "token is not in the allow-list",
		CodeProtocolNotAllowed:        "protocol is not in the allow-list",
		CodeTransactionTooLarge:       "amount exceeds max transaction size",
		CodeDailyCapExceeded:          "rolling spend would exceed the daily cap",
		CodeLeverageTooHigh:           "leverage exceeds policy maximum",
		CodeTooManyPositions:          "max concurrent positions reached",
		CodePositionOpeningDisallowed: "policy forbids opening positions",
		CodeInvalidAmount:             "amount must be positive",
	})
	register(xerrors.CategoryAuthority, xerrors.SeverityWarning, false, map[xerrors.Code]string{
		CodeUnauthorizedAgent:      "signer is not the registered agent",
		CodeUnauthorizedOwner:      "signer is not the vault owner",
		CodeInvalidAgentKey:        "agent key must not be the zero address",
		CodeAgentIsOwner:           "agent key must differ from the owner",
		CodeAgentAlreadyRegistered: "an agent is already registered",
		CodeNoAgentRegistered:      "no agent is registered",
		CodeSessionNotAuthorized:   "session is not authorized",
		CodeInvalidSession:         "session does not match the request",
	})
	register(xerrors.CategoryLifecycle, xerrors.SeverityInfo, false, map[xerrors.Code]string{
		CodeVaultNotActive:      "vault is not active",
		CodeVaultNotFrozen:      "vault is not frozen",
		CodeVaultAlreadyClosed:  "vault is closed",
		CodeOpenPositionsExist:  "vault still has open positions",
		CodeExternalActionError: "external action failed",
	})
	register(xerrors.CategoryConflict, xerrors.SeverityInfo, false, map[xerrors.Code]string{
		CodeVaultExists:   "vault already exists",
		CodeSessionExists: "a session is already open for this agent",
	})
	register(xerrors.CategoryNotFound, xerrors.SeverityInfo, false, map[xerrors.Code]string{
		CodeVaultNotFound:   "vault not found",
		CodeSessionNotFound: "session not found",
	})
	register(xerrors.CategoryCapacity, xerrors.SeverityWarning, false, map[xerrors.Code]string{
		CodeTooManyAllowedTokens:    "too many allowed tokens",
		CodeTooManyAllowedProtocols: "too many allowed protocols",
		CodeTooManySpendEntries:     "spend tracker is full",
	})
	register(xerrors.CategoryConfiguration, xerrors.SeverityWarning, false, map[xerrors.Code]string{
		CodeDeveloperFeeTooHigh:     "developer fee rate exceeds ceiling",
		CodeInvalidFeeDestination:   "fee destination mismatch",
		CodeInvalidProtocolTreasury: "protocol treasury mismatch",
	})
	register(xerrors.CategoryIntegrity, xerrors.SeverityWarning, false, map[xerrors.Code]string{
		CodeInsufficientBalance: "insufficient balance",
	})
	register(xerrors.CategoryIntegrity, xerrors.SeverityCritical, true, map[xerrors.Code]string{
		CodeOverflow:      "arithmetic overflow",
		CodeRecordMissing: "policy or tracker record missing",
	})
	register(xerrors.CategoryRequest, xerrors.SeverityInfo, false, map[xerrors.Code]string{
		CodeInvalidTransaction: "invalid transaction",
		CodeInvalidAction:      "unknown action kind",
	})
}

// deniable 判断授权失败是否属于可对外公告的拒绝原因。
func deniable(err error) bool {
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryPolicy, xerrors.CategoryAuthority, xerrors.CategoryLifecycle,
		xerrors.CategoryCapacity, xerrors.CategoryConflict, xerrors.CategoryNotFound:
		return true
	default:
		return false
	}
}

// detailed 在保留错误码的同时附加上下文描述。
func detailed(base *xerrors.Error, detail string) error {
	return xerrors.New(base.Code(), base.Message()+": "+detail)
}

func wrapExternal(name string, cause error) error {
	return xerrors.Wrap(CodeExternalActionError, cause, name+" failed")
}
