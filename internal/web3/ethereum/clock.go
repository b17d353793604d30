package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"AgentShield/internal/web3"
)

// HeaderReader is the subset of the go-ethereum client needed to follow the
// chain head.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// HeaderClock maps the latest block number to the slot and the block time to
// the timestamp.
type HeaderClock struct {
	reader HeaderReader
	closer func()

	mu   sync.Mutex
	last web3.Tick
}

// NewHeaderClock wraps an existing header source.
func NewHeaderClock(reader HeaderReader) *HeaderClock {
	return &HeaderClock{reader: reader}
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*HeaderClock, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	clock := NewHeaderClock(client)
	clock.closer = client.Close
	return clock, nil
}

// Now implements web3.Clock.
func (c *HeaderClock) Now(ctx context.Context) (web3.Tick, error) {
	header, err := c.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.Tick{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	if header == nil || header.Number == nil {
		return web3.Tick{}, errors.New("节点返回了空区块头")
	}
	if !header.Number.IsUint64() {
		return web3.Tick{}, fmt.Errorf("区块高度 %s 超出范围", header.Number)
	}
	tick := web3.Tick{Slot: header.Number.Uint64(), Timestamp: int64(header.Time)}

	c.mu.Lock()
	defer c.mu.Unlock()
	// 负载均衡后的节点可能短暂落后，保持单调。
	if tick.Slot < c.last.Slot {
		tick = c.last
	}
	c.last = tick
	return tick, nil
}

// Close releases the underlying RPC connection when the clock owns it.
func (c *HeaderClock) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}
