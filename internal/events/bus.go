package events

import (
	"context"
	"log/slog"
	"sync"

	"AgentShield/internal/vault"
	"AgentShield/pkg/logger"
)

// MemoryBus 在进程内广播事件并保留最近的历史，供 API 查询与测试使用。
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan vault.Event
	nextID      int
	history     []vault.Event
	limit       int
}

// NewMemoryBus 创建保留 historyLimit 条历史的总线。
func NewMemoryBus(historyLimit int) *MemoryBus {
	if historyLimit <= 0 {
		historyLimit = 256
	}
	return &MemoryBus{subscribers: make(map[int]chan vault.Event), limit: historyLimit}
}

// Publish 实现 vault.EventSink。订阅者缓冲区满时丢弃并记录告警，不阻塞事务。
func (b *MemoryBus) Publish(_ context.Context, events []vault.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		b.history = append(b.history, ev)
		for id, ch := range b.subscribers {
			select {
			case ch <- ev:
			default:
				logger.L().Warn("事件订阅者缓冲区已满，丢弃事件",
					slog.Int("subscriber", id),
					slog.String("kind", string(ev.Kind)))
			}
		}
	}
	if overflow := len(b.history) - b.limit; overflow > 0 {
		b.history = append([]vault.Event(nil), b.history[overflow:]...)
	}
	return nil
}

// Subscribe 注册订阅者，返回事件通道与取消函数。
func (b *MemoryBus) Subscribe(buffer int) (<-chan vault.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan vault.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// History 按时间顺序返回最近 limit 条满足 filter 的事件，filter 为空时不过滤。
func (b *MemoryBus) History(filter func(vault.Event) bool, limit int) []vault.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []vault.Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if filter != nil && !filter(ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
