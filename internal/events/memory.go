package events

import (
	"context"
	"errors"
	"sync"
)

// Memory 在进程内保留最近的事件，供状态接口查询。
type Memory struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	full   bool
	closed bool
}

// NewMemory 创建容量为 size 的环形缓冲。
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{buf: make([]Event, size)}
}

// Publish 实现 Publisher，缓冲满时覆盖最旧的事件。
func (m *Memory) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("事件缓冲已关闭")
	}
	m.buf[m.next] = event
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent 按时间倒序返回最近的 limit 条事件，wallet 非空时只返回该钱包的事件。
func (m *Memory) Recent(wallet string, limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := m.next
	if m.full {
		count = len(m.buf)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= count && len(out) < limit; i++ {
		idx := (m.next - i + len(m.buf)) % len(m.buf)
		ev := m.buf[idx]
		if wallet != "" && ev.Wallet != wallet {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Close 实现 Publisher。
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
