// Package sweeper 定时清理过期会话。过期会话允许任何人结算，清理结果一律记为失败，
// 押金退还给创建会话的代理。
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/robfig/cron/v3"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/vault"
	"AgentShield/internal/web3"
	"AgentShield/pkg/logger"
)

const (
	defaultSchedule  = "@every 30s"
	defaultBatchSize = 100
	// maxBackoffRounds 是反复失败的会话两次重试之间最多跳过的轮数。
	maxBackoffRounds = 64
)

// DefaultCrank 是未配置时清理事务使用的签名地址。
var DefaultCrank = common.BytesToAddress(crypto.Keccak256([]byte("agentshield/sweeper"))[12:])

// SessionLister 列出已过期的会话。
type SessionLister interface {
	ListExpiredSessions(ctx context.Context, slot uint64, limit int) ([]*vault.Session, error)
}

// Finalizer 结算单个会话，通常由 vault.Engine 实现。
type Finalizer interface {
	Finalize(ctx context.Context, caller, vault common.Address, req vault.Finalize) (*vault.Receipt, error)
}

// Observer 接收每轮清理的统计。
type Observer interface {
	ObserveSweep(finalized, failed int)
}

// Result 汇总一轮清理。
type Result struct {
	Slot      uint64
	Scanned   int
	Finalized int
	// Skipped 表示会话在清理前已被其他请求结算。
	Skipped int
	Failed  int
	// Deferred 表示处于退避期、本轮未尝试的会话。
	Deferred int
}

type sessionKey struct {
	vault common.Address
	agent common.Address
}

// backoff 记录持续清理失败的会话，按轮次指数退避。
type backoff struct {
	failures  int
	nextRound uint64
}

// Sweeper 按 cron 表达式周期执行 RunOnce。
type Sweeper struct {
	lister    SessionLister
	finalizer Finalizer
	clock     web3.Clock
	crank     common.Address
	batchSize int
	schedule  string
	observer  Observer
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron

	// runMu 串行化 RunOnce，保护 round 与 retries。
	runMu   sync.Mutex
	round   uint64
	retries map[sessionKey]*backoff
}

// Option 定义可选配置。
type Option func(*Sweeper)

// WithCrank 指定清理事务的签名地址。
func WithCrank(crank common.Address) Option {
	return func(s *Sweeper) {
		if crank != (common.Address{}) {
			s.crank = crank
		}
	}
}

// WithBatchSize 设置每轮最多处理的会话数。
func WithBatchSize(size int) Option {
	return func(s *Sweeper) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithSchedule 设置 cron 表达式，支持 @every 描述符。
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithObserver 配置指标回调。
func WithObserver(observer Observer) Option {
	return func(s *Sweeper) {
		s.observer = observer
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 构造 Sweeper。
func New(lister SessionLister, finalizer Finalizer, clock web3.Clock, opts ...Option) (*Sweeper, error) {
	if lister == nil || finalizer == nil || clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "sweeper requires a session lister, finalizer and clock")
	}
	s := &Sweeper{
		lister:    lister,
		finalizer: finalizer,
		clock:     clock,
		crank:     DefaultCrank,
		batchSize: defaultBatchSize,
		schedule:  defaultSchedule,
		logger:    logger.Named("sweeper"),
		retries:   make(map[sessionKey]*backoff),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// RunOnce 读取当前 slot，结算一批已过期的会话。单个会话失败不影响其余会话；
// 失败的会话进入退避，只在首次失败时告警，且不占用本轮的批量额度。
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.round++

	tick, err := s.clock.Now(ctx)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeClockFailure, err, "read slot clock")
	}
	result := Result{Slot: tick.Slot}

	limit := s.batchSize + len(s.retries)
	sessions, err := s.lister.ListExpiredSessions(ctx, tick.Slot, limit)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list expired sessions")
	}
	result.Scanned = len(sessions)
	if len(sessions) < limit {
		s.forgetMissing(sessions)
	}

	var errs []error
	attempted := 0
	for _, session := range sessions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		key := sessionKey{vault: session.Vault, agent: session.Agent}
		if state, ok := s.retries[key]; ok && state.nextRound > s.round {
			result.Deferred++
			continue
		}
		if attempted == s.batchSize {
			break
		}
		attempted++

		_, err := s.finalizer.Finalize(ctx, s.crank, session.Vault, vault.Finalize{Agent: session.Agent})
		switch {
		case err == nil:
			result.Finalized++
			delete(s.retries, key)
			s.logger.Info("过期会话已清理",
				slog.String("vault", session.Vault.Hex()),
				slog.String("agent", session.Agent.Hex()),
				slog.Uint64("expires_at_slot", session.ExpiresAtSlot),
				slog.Uint64("slot", tick.Slot),
			)
		case errors.Is(err, vault.ErrSessionNotFound):
			result.Skipped++
			delete(s.retries, key)
		default:
			result.Failed++
			errs = append(errs, fmt.Errorf("vault %s agent %s: %w", session.Vault.Hex(), session.Agent.Hex(), err))
			s.recordFailure(key, err)
		}
	}

	if s.observer != nil {
		s.observer.ObserveSweep(result.Finalized, result.Failed)
	}
	return result, errors.Join(errs...)
}

func (s *Sweeper) recordFailure(key sessionKey, err error) {
	state, ok := s.retries[key]
	if !ok {
		state = &backoff{}
		s.retries[key] = state
	}
	state.failures++
	delay := uint64(maxBackoffRounds)
	if state.failures < 7 {
		delay = min(uint64(1)<<state.failures, maxBackoffRounds)
	}
	state.nextRound = s.round + delay

	attrs := []any{
		slog.String("vault", key.vault.Hex()),
		slog.String("agent", key.agent.Hex()),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Int("failures", state.failures),
		slog.Uint64("retry_in_rounds", delay),
		slog.Any("error", err),
	}
	if state.failures == 1 {
		s.logger.Warn("过期会话清理失败", attrs...)
		return
	}
	s.logger.Debug("过期会话清理仍然失败", attrs...)
}

// forgetMissing 丢弃已不在过期列表中的退避记录。
func (s *Sweeper) forgetMissing(listed []*vault.Session) {
	if len(s.retries) == 0 {
		return
	}
	present := make(map[sessionKey]struct{}, len(listed))
	for _, session := range listed {
		present[sessionKey{vault: session.Vault, agent: session.Agent}] = struct{}{}
	}
	for key := range s.retries {
		if _, ok := present[key]; !ok {
			delete(s.retries, key)
		}
	}
}

// Start 注册定时任务并开始调度。ctx 结束时自动停止。上一轮未结束时跳过本轮。
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	log := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("清理轮次存在失败", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("会话清理已启动", slog.String("schedule", s.schedule), slog.Int("batch_size", s.batchSize))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop 停止调度并等待正在执行的轮次结束。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// cronLogger 将 cron 内部日志转到 slog。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
