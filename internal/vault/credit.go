package vault

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "AgentShield/internal/errors"
	"AgentShield/pkg/logger"
)

const maxCreditReference = 128

// Credit 是一笔外部入金，例如链上充值到账后由运营方记入账本。
type Credit struct {
	Operator common.Address
	Account  common.Address
	Token    common.Address
	Amount   uint64
	// Reference 关联外部凭证，例如充值交易哈希。
	Reference string
}

func (c Credit) validate() error {
	switch {
	case c.Operator == (common.Address{}):
		return detailed(ErrInvalidTransaction, "operator is empty")
	case c.Account == (common.Address{}):
		return detailed(ErrInvalidTransaction, "account is empty")
	case c.Amount == 0:
		return ErrInvalidAmount
	case len(c.Reference) > maxCreditReference:
		return detailed(ErrInvalidTransaction, "reference is too long")
	}
	return nil
}

// Credit 为账户记入外部资金。余额增加由存储层原子完成，不持有金库锁。
func (e *Engine) Credit(ctx context.Context, req Credit) (receipt *Receipt, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "vault.credit", trace.WithAttributes(
		attribute.String("vault.account", req.Account.Hex()),
		attribute.String("vault.token", req.Token.Hex()),
		attribute.String("vault.operator", req.Operator.Hex()),
	))
	defer func() {
		code := CodeOK
		if err != nil {
			code = xerrors.CodeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, string(code))
		}
		span.End()
		if e.observer != nil {
			e.observer.ObserveTransaction("credit", code, time.Since(started))
		}
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}
	tick, err := e.clock.Now(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeClockFailure, err, "读取时钟失败")
	}

	if err := e.store.Credit(ctx, req.Account, req.Token, req.Amount); err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "记入入金失败")
		}
		if xerrors.ShouldAlert(err) {
			e.notify(ctx, alertFromError(err, req.Account, "credit"))
		}
		return nil, err
	}
	balance, err := e.store.Balance(ctx, req.Account, req.Token)
	if err != nil {
		e.logger.Warn("读取入金后余额失败", slog.Any("error", err), slog.String("account", req.Account.Hex()))
	}

	txID := uuid.NewString()
	event := Event{
		ID:        uuid.NewString(),
		Kind:      EventAccountCredited,
		Vault:     req.Account,
		TxID:      txID,
		Slot:      tick.Slot,
		Timestamp: tick.Timestamp,
		Payload: AccountCredited{
			Operator:  req.Operator,
			Account:   req.Account,
			Token:     req.Token,
			Amount:    req.Amount,
			Balance:   balance,
			Reference: req.Reference,
		},
	}
	logger.Audit().Info("账户入金",
		slog.String("tx_id", txID),
		slog.String("operator", req.Operator.Hex()),
		slog.String("account", req.Account.Hex()),
		slog.String("token", req.Token.Hex()),
		slog.Uint64("amount", req.Amount),
		slog.String("reference", req.Reference),
		slog.Uint64("slot", tick.Slot))
	e.publish(ctx, []Event{event})
	return &Receipt{TxID: txID, Slot: tick.Slot, Timestamp: tick.Timestamp, Events: []Event{event}}, nil
}
