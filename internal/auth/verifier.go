package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/vault"
	"AgentShield/internal/web3"
	"AgentShield/pkg/logger"
)

const (
	defaultMaxValiditySlots = 150
	defaultNonceTTLSeconds  = 3600
	maxNonceLength          = 128
	maxInstructions         = 16
)

// Config 控制签名信封的校验规则。
type Config struct {
	// MaxValiditySlots 限制 valid_until_slot 距当前 slot 的最大跨度。
	MaxValiditySlots uint64 `yaml:"max_validity_slots" json:"max_validity_slots"`
	// NonceTTLSeconds 是 nonce 去重记录的保留时间，应覆盖信封有效期。
	NonceTTLSeconds int `yaml:"nonce_ttl_seconds" json:"nonce_ttl_seconds"`
	// Operators 是允许签名入金指令的地址，为空时不开放入金。
	Operators []string `yaml:"operators" json:"operators"`
}

// Verified 是通过校验的请求。
type Verified struct {
	Envelope    *Envelope
	Transaction vault.Transaction
	Slot        uint64
}

// Verifier 校验签名、有效期和 nonce，并把信封还原为 vault 事务。
type Verifier struct {
	clock       web3.Clock
	nonces      NonceClaimer
	maxValidity uint64
	nonceTTL    time.Duration
	operators   map[common.Address]struct{}
	audit       *slog.Logger
}

// NewVerifier 构造校验器。nonces 为空时使用进程内缓存。
func NewVerifier(cfg Config, clock web3.Clock, nonces NonceClaimer) (*Verifier, error) {
	if clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "verifier requires a slot clock")
	}
	if nonces == nil {
		nonces = NewMemoryNonces()
	}
	if cfg.MaxValiditySlots == 0 {
		cfg.MaxValiditySlots = defaultMaxValiditySlots
	}
	if cfg.NonceTTLSeconds <= 0 {
		cfg.NonceTTLSeconds = defaultNonceTTLSeconds
	}
	operators := make(map[common.Address]struct{}, len(cfg.Operators))
	for _, raw := range cfg.Operators {
		if !common.IsHexAddress(raw) {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "auth.operators contains an invalid address: "+raw)
		}
		operators[common.HexToAddress(raw)] = struct{}{}
	}
	return &Verifier{
		clock:       clock,
		nonces:      nonces,
		maxValidity: cfg.MaxValiditySlots,
		nonceTTL:    time.Duration(cfg.NonceTTLSeconds) * time.Second,
		operators:   operators,
		audit:       logger.Audit(),
	}, nil
}

// AcceptsCredits 判断是否配置了入金运营方。
func (v *Verifier) AcceptsCredits() bool {
	return v != nil && len(v.operators) > 0
}

// Verify 校验信封。nonce 只在其余检查全部通过后才会被占用。
func (v *Verifier) Verify(ctx context.Context, env *Envelope) (*Verified, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	if err := checkShape(env); err != nil {
		return nil, err
	}

	recovered, err := env.RecoverSigner()
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "signature rejected")
	}
	if recovered != env.Signer {
		return nil, ErrInvalidSignature
	}

	tick, err := v.checkWindow(ctx, env.ValidUntilSlot)
	if err != nil {
		return nil, err
	}

	instructions, err := DecodeInstructions(env.Instructions)
	if err != nil {
		return nil, err
	}

	if err := v.claimNonce(ctx, env.Signer, env.Nonce); err != nil {
		return nil, err
	}

	return &Verified{
		Envelope: env,
		Transaction: vault.Transaction{
			Signer:       env.Signer,
			Vault:        env.Vault,
			Instructions: instructions,
		},
		Slot: tick.Slot,
	}, nil
}

// VerifiedCredit 是通过校验的入金指令。
type VerifiedCredit struct {
	Order  *CreditOrder
	Credit vault.Credit
	Slot   uint64
}

// VerifyCredit 校验入金指令：签名者必须是配置的运营方，其余规则与事务信封一致。
func (v *Verifier) VerifyCredit(ctx context.Context, order *CreditOrder) (*VerifiedCredit, error) {
	if order == nil {
		return nil, ErrMalformedEnvelope
	}
	switch {
	case order.Signer == (common.Address{}):
		return nil, xerrors.New(CodeMalformedEnvelope, "signer is required")
	case order.Account == (common.Address{}):
		return nil, xerrors.New(CodeMalformedEnvelope, "account is required")
	case order.Amount == 0:
		return nil, xerrors.New(CodeMalformedEnvelope, "amount must be positive")
	case strings.TrimSpace(order.Nonce) == "" || len(order.Nonce) > maxNonceLength:
		return nil, xerrors.New(CodeMalformedEnvelope, "nonce must be 1-128 characters")
	case len(order.Reference) > maxNonceLength:
		return nil, xerrors.New(CodeMalformedEnvelope, "reference must be at most 128 characters")
	}

	recovered, err := order.RecoverSigner()
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "signature rejected")
	}
	if recovered != order.Signer {
		return nil, ErrInvalidSignature
	}
	if _, ok := v.operators[order.Signer]; !ok {
		return nil, ErrOperatorRequired
	}

	tick, err := v.checkWindow(ctx, order.ValidUntilSlot)
	if err != nil {
		return nil, err
	}
	if err := v.claimNonce(ctx, order.Signer, order.Nonce); err != nil {
		return nil, err
	}
	return &VerifiedCredit{Order: order, Credit: order.Credit(), Slot: tick.Slot}, nil
}

func (v *Verifier) checkWindow(ctx context.Context, validUntil uint64) (web3.Tick, error) {
	tick, err := v.clock.Now(ctx)
	if err != nil {
		return web3.Tick{}, xerrors.Wrap(xerrors.CodeClockFailure, err, "read slot clock")
	}
	if tick.Slot > validUntil {
		return web3.Tick{}, ErrEnvelopeExpired
	}
	if validUntil-tick.Slot > v.maxValidity {
		return web3.Tick{}, xerrors.New(CodeMalformedEnvelope, "valid_until_slot is too far in the future")
	}
	return tick, nil
}

func (v *Verifier) claimNonce(ctx context.Context, signer common.Address, nonce string) error {
	fresh, err := v.nonces.Claim(ctx, nonceKey(signer, nonce), v.nonceTTL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim nonce")
	}
	if !fresh {
		v.audit.Warn("nonce_replayed", "signer", signer.Hex(), "nonce", nonce)
		return ErrNonceReplayed
	}
	return nil
}

func checkShape(env *Envelope) error {
	switch {
	case env.Signer == (common.Address{}):
		return xerrors.New(CodeMalformedEnvelope, "signer is required")
	case env.Vault == (common.Address{}):
		return xerrors.New(CodeMalformedEnvelope, "vault is required")
	case strings.TrimSpace(env.Nonce) == "" || len(env.Nonce) > maxNonceLength:
		return xerrors.New(CodeMalformedEnvelope, "nonce must be 1-128 characters")
	case len(env.Instructions) == 0:
		return xerrors.New(CodeMalformedEnvelope, "at least one instruction is required")
	case len(env.Instructions) > maxInstructions:
		return xerrors.New(CodeMalformedEnvelope, "too many instructions")
	}
	return nil
}

func nonceKey(signer common.Address, nonce string) string {
	return strings.ToLower(signer.Hex()) + ":" + nonce
}
