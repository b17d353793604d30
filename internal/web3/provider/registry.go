package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentShield/internal/web3"
	"AgentShield/internal/web3/ethereum"
)

// NewClock builds the slot clock selected by cfg. The returned release
// function must be called on shutdown.
func NewClock(ctx context.Context, cfg web3.ClockConfig) (web3.Clock, func(), error) {
	noop := func() {}
	source := strings.ToLower(strings.TrimSpace(cfg.Source))
	switch source {
	case "", "local":
		genesis := time.Unix(cfg.Genesis, 0)
		if cfg.Genesis == 0 {
			genesis = time.Now()
		}
		return web3.NewLocalClock(genesis, cfg.SlotDuration), noop, nil
	case "manual":
		return web3.NewManualClock(web3.Tick{Timestamp: time.Now().Unix()}), noop, nil
	case "evm":
		clock, err := ethereum.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, noop, err
		}
		if _, err := clock.Now(ctx); err != nil {
			clock.Close()
			return nil, noop, fmt.Errorf("读取链上时钟失败: %w", err)
		}
		return clock, clock.Close, nil
	default:
		return nil, noop, fmt.Errorf("不支持的时钟来源 %s", cfg.Source)
	}
}
