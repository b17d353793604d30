package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/observability/alerting"
	"AgentShield/internal/web3"
	"AgentShield/pkg/logger"
)

// Observer 接收每次事务执行的结果，用于指标统计。
type Observer interface {
	ObserveTransaction(operation string, code xerrors.Code, duration time.Duration)
	ObserveFees(token common.Address, protocol, developer uint64)
}

// Engine 串行化同一金库上的事务，并以批次方式原子提交。
type Engine struct {
	store    Store
	clock    web3.Clock
	locker   Locker
	sink     EventSink
	limits   Limits
	tracer   trace.Tracer
	alerter  alerting.Dispatcher
	observer Observer
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithLocker 指定金库锁实现，默认为进程内锁。
func WithLocker(locker Locker) Option {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

// WithEventSink 指定事件出口。
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithLimits 覆盖容量与时间参数。
func WithLimits(limits Limits) Option {
	return func(e *Engine) {
		e.limits = limits.normalised()
	}
}

// WithTracer 指定链路追踪器。
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithObserver 配置指标观察者。
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine 构造 Engine。
func NewEngine(store Store, clock web3.Clock, opts ...Option) (*Engine, error) {
	if store == nil || clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "存储和时钟不能为空")
	}
	e := &Engine{
		store:  store,
		clock:  clock,
		locker: NewLocalLocker(),
		limits: DefaultLimits(),
		tracer: noop.NewTracerProvider().Tracer("vault"),
		logger: logger.Named("vault"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Store 返回底层存储，供只读查询使用。
func (e *Engine) Store() Reader { return e.store }

// Limits 返回生效的参数。
func (e *Engine) Limits() Limits { return e.limits }

// Execute 在金库锁内按顺序执行全部指令，全部成功才提交。
func (e *Engine) Execute(ctx context.Context, tx Transaction) (receipt *Receipt, err error) {
	started := time.Now()
	operation := operationName(tx)
	ctx, span := e.tracer.Start(ctx, "vault.execute", trace.WithAttributes(
		attribute.String("vault.address", tx.Vault.Hex()),
		attribute.String("vault.signer", tx.Signer.Hex()),
		attribute.String("vault.operation", operation),
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
			e.observer.ObserveTransaction(operation, code, time.Since(started))
		}
	}()

	if err := validateTransaction(tx); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, tx.Vault.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLockFailure, err, "获取金库锁失败")
	}
	defer unlock()

	tick, err := e.clock.Now(ctx)
	if err != nil {
		return nil, e.fail(ctx, tx, xerrors.Wrap(xerrors.CodeClockFailure, err, "读取时钟失败"))
	}
	span.SetAttributes(attribute.Int64("vault.slot", int64(tick.Slot)))

	b := newBatch(ctx, e.store, e.limits, tx, tick)
	for i, ins := range tx.Instructions {
		if err := ins.apply(b); err != nil {
			e.logger.Debug("事务指令失败",
				slog.String("tx_id", b.txID),
				slog.Int("index", i),
				slog.String("instruction", ins.Name()),
				slog.Any("error", err))
			if auth, ok := ins.(Authorize); ok && deniable(err) {
				e.announceDenial(ctx, b, auth, err)
			}
			return nil, e.fail(ctx, tx, err)
		}
	}

	if err := e.store.Commit(ctx, b.changeSet()); err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交金库变更失败")
		}
		return nil, e.fail(ctx, tx, err)
	}

	e.afterCommit(ctx, tx, b)
	return &Receipt{TxID: b.txID, Slot: tick.Slot, Timestamp: tick.Timestamp, Events: b.events}, nil
}

func validateTransaction(tx Transaction) error {
	if len(tx.Instructions) == 0 {
		return detailed(ErrInvalidTransaction, "no instructions")
	}
	if tx.Vault == (common.Address{}) {
		return detailed(ErrInvalidTransaction, "vault address is empty")
	}
	if tx.Signer == (common.Address{}) {
		return detailed(ErrInvalidTransaction, "signer is empty")
	}
	for i, ins := range tx.Instructions {
		if ins == nil {
			return detailed(ErrInvalidTransaction, fmt.Sprintf("instruction %d is nil", i))
		}
	}
	return nil
}

func operationName(tx Transaction) string {
	switch len(tx.Instructions) {
	case 0:
		return "empty"
	case 1:
		if tx.Instructions[0] == nil {
			return "invalid"
		}
		return tx.Instructions[0].Name()
	default:
		return "batch"
	}
}

func (e *Engine) afterCommit(ctx context.Context, tx Transaction, b *batch) {
	for _, ev := range b.events {
		logger.Audit().Info("金库事件",
			slog.String("tx_id", b.txID),
			slog.String("kind", string(ev.Kind)),
			slog.String("vault", tx.Vault.Hex()),
			slog.String("signer", tx.Signer.Hex()),
			slog.Uint64("slot", b.tick.Slot))

		switch payload := ev.Payload.(type) {
		case FeesCollected:
			if e.observer != nil {
				e.observer.ObserveFees(payload.Token, payload.ProtocolFee, payload.DeveloperFee)
			}
		case AgentChanged:
			if ev.Kind == EventAgentRevoked {
				e.notify(ctx, alerting.Event{
					Code:      "AGENT_REVOKED",
					Message:   "owner froze the vault and revoked its agent",
					Severity:  xerrors.SeverityWarning,
					Vault:     tx.Vault.Hex(),
					Operation: ev.Kind.String(),
					Metadata:  map[string]string{"agent": payload.Agent.Hex()},
				})
			}
		}
	}
	e.publish(ctx, b.events)
}

func (e *Engine) publish(ctx context.Context, events []Event) {
	if e.sink == nil || len(events) == 0 {
		return
	}
	if err := e.sink.Publish(ctx, events); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodePublishFailure, err, "发布金库事件失败")
		e.logger.Error("发布金库事件失败", slog.Any("error", wrapped), slog.Int("count", len(events)))
		e.notify(ctx, alertFromError(wrapped, events[0].Vault, "publish"))
	}
}

func (e *Engine) announceDenial(ctx context.Context, b *batch, auth Authorize, cause error) {
	denial := Event{
		ID:        uuid.NewString(),
		Kind:      EventActionDenied,
		Vault:     b.target,
		TxID:      b.txID,
		Slot:      b.tick.Slot,
		Timestamp: b.tick.Timestamp,
		Payload: ActionDenied{
			Agent:    b.signer,
			Action:   auth.Action,
			Token:    auth.Token,
			Protocol: auth.Protocol,
			Amount:   auth.Amount,
			Code:     string(xerrors.CodeOf(cause)),
			Reason:   cause.Error(),
		},
	}
	logger.Audit().Warn("授权被拒绝",
		slog.String("tx_id", b.txID),
		slog.String("vault", b.target.Hex()),
		slog.String("agent", b.signer.Hex()),
		slog.String("code", string(xerrors.CodeOf(cause))))
	e.publish(ctx, []Event{denial})
}

func (e *Engine) fail(ctx context.Context, tx Transaction, err error) error {
	if xerrors.ShouldAlert(err) {
		e.notify(ctx, alertFromError(err, tx.Vault, operationName(tx)))
	}
	return err
}

func (e *Engine) notify(ctx context.Context, event alerting.Event) {
	if e.alerter == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		e.logger.Warn("发送告警失败", slog.Any("error", err), slog.String("code", string(event.Code)))
	}
}

func alertFromError(err error, vault common.Address, operation string) alerting.Event {
	return alerting.Event{
		Code:      xerrors.CodeOf(err),
		Message:   err.Error(),
		Severity:  xerrors.SeverityOf(err),
		Vault:     vault.Hex(),
		Operation: operation,
	}
}

// String 返回事件类型名称。
func (k EventKind) String() string { return string(k) }

func (e *Engine) single(ctx context.Context, signer, vault common.Address, ins Instruction) (*Receipt, error) {
	return e.Execute(ctx, Transaction{Signer: signer, Vault: vault, Instructions: []Instruction{ins}})
}

// CreateVault 创建金库，地址由 (owner, vaultId) 推导。
func (e *Engine) CreateVault(ctx context.Context, owner common.Address, req CreateVault) (*Receipt, error) {
	return e.single(ctx, owner, VaultAddress(owner, req.VaultID), req)
}

// UpdatePolicy 更新策略。
func (e *Engine) UpdatePolicy(ctx context.Context, owner, vault common.Address, patch PolicyPatch) (*Receipt, error) {
	return e.single(ctx, owner, vault, UpdatePolicy{Patch: patch})
}

// RegisterAgent 登记代理。
func (e *Engine) RegisterAgent(ctx context.Context, owner, vault, agent common.Address) (*Receipt, error) {
	return e.single(ctx, owner, vault, RegisterAgent{Agent: agent})
}

// RevokeAgent 冻结金库。
func (e *Engine) RevokeAgent(ctx context.Context, owner, vault common.Address) (*Receipt, error) {
	return e.single(ctx, owner, vault, RevokeAgent{})
}

// ReactivateVault 解冻金库。
func (e *Engine) ReactivateVault(ctx context.Context, owner, vault common.Address, newAgent *common.Address) (*Receipt, error) {
	return e.single(ctx, owner, vault, ReactivateVault{NewAgent: newAgent})
}

// Deposit 入金。
func (e *Engine) Deposit(ctx context.Context, owner, vault, token common.Address, amount uint64) (*Receipt, error) {
	return e.single(ctx, owner, vault, Deposit{Token: token, Amount: amount})
}

// Withdraw 出金。
func (e *Engine) Withdraw(ctx context.Context, owner, vault, token common.Address, amount uint64) (*Receipt, error) {
	return e.single(ctx, owner, vault, Withdraw{Token: token, Amount: amount})
}

// CloseVault 关闭金库。
func (e *Engine) CloseVault(ctx context.Context, owner, vault common.Address) (*Receipt, error) {
	return e.single(ctx, owner, vault, CloseVault{})
}

// Authorize 单独提交授权，会话保留到后续 finalize 或过期清理。
func (e *Engine) Authorize(ctx context.Context, agent, vault common.Address, req Authorize) (*Receipt, error) {
	return e.single(ctx, agent, vault, req)
}

// Finalize 单独提交结算。
func (e *Engine) Finalize(ctx context.Context, caller, vault common.Address, req Finalize) (*Receipt, error) {
	return e.single(ctx, caller, vault, req)
}
