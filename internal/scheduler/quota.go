package scheduler

import (
	"context"
	"sync"
	"time"
)

const (
	// MaxSessionsPerHour 是每个钱包在滚动一小时窗口内允许开启的会话数。
	MaxSessionsPerHour = 6
	// QuotaWindow 是配额窗口长度。
	QuotaWindow = time.Hour
)

// QuotaState 记录当前窗口内已开启的会话数与窗口起点。
type QuotaState struct {
	SessionCount    int       `json:"session_count"`
	LastSessionTime time.Time `json:"last_session_time"`
}

// Expired 判断窗口是否已经过去至少一小时。
func (q QuotaState) Expired(now time.Time) bool {
	return !q.LastSessionTime.IsZero() && now.Sub(q.LastSessionTime) >= QuotaWindow
}

// Exhausted 判断窗口内的配额是否已用完。
func (q QuotaState) Exhausted() bool {
	return q.SessionCount >= MaxSessionsPerHour
}

// Remaining 返回距离窗口结束的剩余时间，窗口未开始时为 0。
func (q QuotaState) Remaining(now time.Time) time.Duration {
	if q.LastSessionTime.IsZero() {
		return 0
	}
	left := QuotaWindow - now.Sub(q.LastSessionTime)
	if left < 0 {
		return 0
	}
	return left
}

// QuotaStore 持久化各钱包的配额状态，使重启后仍遵守窗口限制。
type QuotaStore interface {
	LoadQuota(ctx context.Context, wallet string) (QuotaState, bool, error)
	SaveQuota(ctx context.Context, wallet string, state QuotaState) error
}

// MemoryQuotaStore 是进程内实现。
type MemoryQuotaStore struct {
	mu     sync.RWMutex
	states map[string]QuotaState
}

// NewMemoryQuotaStore 创建内存配额存储。
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{states: make(map[string]QuotaState)}
}

// LoadQuota 实现 QuotaStore。
func (m *MemoryQuotaStore) LoadQuota(_ context.Context, wallet string) (QuotaState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[wallet]
	return state, ok, nil
}

// SaveQuota 实现 QuotaStore。
func (m *MemoryQuotaStore) SaveQuota(_ context.Context, wallet string, state QuotaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[wallet] = state
	return nil
}
