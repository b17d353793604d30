package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"AgentShield/internal/api"
	"AgentShield/internal/auth"
	"AgentShield/internal/config"
	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/events"
	"AgentShield/internal/observability/alerting"
	"AgentShield/internal/observability/metrics"
	"AgentShield/internal/storage/redis"
	"AgentShield/internal/storage/sqlstore"
	"AgentShield/internal/sweeper"
	"AgentShield/internal/telemetry"
	"AgentShield/internal/vault"
	"AgentShield/internal/web3/provider"
	"AgentShield/pkg/logger"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expired-session sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("agentshieldd")

	tracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	clock, releaseClock, err := provider.NewClock(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer releaseClock()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	registry := metrics.New()
	bus, sink, closeSinks, err := buildSinks(cfg, redisClient, registry)
	if err != nil {
		return err
	}
	defer closeSinks()

	engineOpts := []vault.Option{
		vault.WithEventSink(sink),
		vault.WithLimits(cfg.Limits),
		vault.WithTracer(tracing.Tracer),
		vault.WithAlertDispatcher(buildAlerting(cfg.Alerting)),
		vault.WithObserver(registry),
	}
	if cfg.Lock.Driver == "redis" {
		engineOpts = append(engineOpts, vault.WithLocker(redis.NewLocker(redisClient, cfg.Redis)))
	}
	engine, err := vault.NewEngine(store, clock, engineOpts...)
	if err != nil {
		return err
	}

	var nonces auth.NonceClaimer
	if redisClient != nil {
		nonces = redis.NewNonceStore(redisClient, cfg.Redis)
	}
	verifier, err := auth.NewVerifier(cfg.Auth, clock, nonces)
	if err != nil {
		return err
	}

	if cfg.Sweeper.Enabled {
		opts := []sweeper.Option{
			sweeper.WithSchedule(cfg.Sweeper.Schedule),
			sweeper.WithBatchSize(cfg.Sweeper.BatchSize),
			sweeper.WithObserver(registry),
		}
		if cfg.Sweeper.Crank != "" {
			opts = append(opts, sweeper.WithCrank(common.HexToAddress(cfg.Sweeper.Crank)))
		}
		sw, err := sweeper.New(store, engine, clock, opts...)
		if err != nil {
			return err
		}
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	serverOpts := []api.Option{
		api.WithMetrics(registry),
		api.WithRollingWindow(engine.Limits().RollingWindowSeconds),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithCrediter(engine),
	}
	if bus != nil {
		serverOpts = append(serverOpts, api.WithHistory(bus))
	}
	server := api.NewServer(cfg.Server.Address, engine, store, clock, verifier, serverOpts...)

	log.Info("AgentShield 已就绪",
		slog.String("version", version),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("lock", cfg.Lock.Driver),
		slog.String("clock", cfg.Chain.Source),
		slog.Any("sinks", cfg.Events.Sinks),
		slog.Int("credit_operators", len(cfg.Auth.Operators)),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore 根据存储驱动返回金库存储与对应的关闭函数。
func openStore(ctx context.Context, cfg *config.Config) (vault.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return vault.NewMemoryStore(), func() {}, nil
	default:
		store, err := sqlstore.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// buildSinks 组装事件出口。启用 memory 时同时返回内存总线，供事件查询接口使用。
func buildSinks(cfg *config.Config, client *goredis.Client, registry *metrics.Registry) (*events.MemoryBus, vault.EventSink, func(), error) {
	var (
		bus     *events.MemoryBus
		fanout  = events.Fanout{registry}
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	for _, name := range cfg.Events.Sinks {
		switch strings.ToLower(name) {
		case "memory":
			bus = events.NewMemoryBus(cfg.Events.HistoryLimit)
			fanout = append(fanout, bus)
		case "log":
			fanout = append(fanout, events.LogSink{})
		case "redis":
			fanout = append(fanout, events.NewRedisSink(client, cfg.Events.Redis))
		case "rabbitmq":
			sink, err := events.NewRabbitMQSink(cfg.Events.RabbitMQ)
			if err != nil {
				closeAll()
				return nil, nil, nil, err
			}
			closers = append(closers, sink)
			fanout = append(fanout, sink)
		default:
			closeAll()
			return nil, nil, nil, fmt.Errorf("未知的事件出口: %s", name)
		}
	}
	return bus, fanout, closeAll, nil
}

// buildAlerting 组装告警渠道，审计日志始终启用。
func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook)})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.SlackWebhook).SlackSender(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...).WithMinimumSeverity(xerrors.Severity(strings.ToLower(cfg.MinSeverity)))
}
