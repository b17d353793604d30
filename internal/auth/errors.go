package auth

import (
	xerrors "AgentShield/internal/errors"
)

const (
	CodeInvalidSignature  xerrors.Code = "AUTH_INVALID_SIGNATURE"
	CodeMalformedEnvelope xerrors.Code = "AUTH_MALFORMED_ENVELOPE"
	CodeEnvelopeExpired   xerrors.Code = "AUTH_ENVELOPE_EXPIRED"
	CodeNonceReplayed     xerrors.Code = "AUTH_NONCE_REPLAYED"
	CodeOperatorRequired  xerrors.Code = "AUTH_OPERATOR_REQUIRED"
)

var (
	ErrInvalidSignature  = xerrors.New(CodeInvalidSignature, "signature does not match signer")
	ErrMalformedEnvelope = xerrors.New(CodeMalformedEnvelope, "malformed envelope")
	ErrEnvelopeExpired   = xerrors.New(CodeEnvelopeExpired, "envelope is no longer valid")
	ErrNonceReplayed     = xerrors.New(CodeNonceReplayed, "nonce already used")
	ErrOperatorRequired  = xerrors.New(CodeOperatorRequired, "signer is not a credit operator")
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:  "signature does not match signer",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthority,
	})
	xerrors.Register(CodeMalformedEnvelope, xerrors.Attributes{
		Message:  "malformed envelope",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryRequest,
	})
	xerrors.Register(CodeEnvelopeExpired, xerrors.Attributes{
		Message:  "envelope is no longer valid",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryRequest,
	})
	xerrors.Register(CodeNonceReplayed, xerrors.Attributes{
		Message:  "nonce already used",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConflict,
	})
	xerrors.Register(CodeOperatorRequired, xerrors.Attributes{
		Message:  "signer is not a credit operator",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthority,
	})
}
