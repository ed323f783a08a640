// Package events 负责发布钱包运行过程中的状态事件：开赛、配额对齐、登录、
// 交易确认等。事件可以同时投递到进程内缓冲、Redis 列表与 RabbitMQ 队列。
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type 标识事件种类。
type Type string

const (
	TypeLoggedIn       Type = "logged_in"
	TypeAgentsLoaded   Type = "agents_loaded"
	TypeFractalInfo    Type = "fractal_info"
	TypeNoAgents       Type = "no_agents"
	TypeQuotaWaiting   Type = "quota_waiting"
	TypeMatchStarted   Type = "match_started"
	TypeAlreadyQueued  Type = "already_queued"
	TypeQuotaExceeded  Type = "quota_exceeded"
	TypePassCompleted  Type = "pass_completed"
	TypeTxConfirmed    Type = "tx_confirmed"
	TypeWorkerStopped  Type = "worker_stopped"
	TypeBalanceUpdated Type = "balance_updated"
)

// Event 是一条运行事件。
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Wallet     string         `json:"wallet"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New 创建带唯一 ID 的事件。
func New(typ Type, wallet, message string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Wallet:     wallet,
		Message:    message,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Fanout 将事件广播给多个发布器。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建广播发布器，忽略 nil。
func NewFanout(publishers ...Publisher) *Fanout {
	set := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			set = append(set, p)
		}
	}
	return &Fanout{publishers: set}
}

// Publish 将事件投递到所有发布器，汇总各自的错误。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部发布器。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard 丢弃所有事件。
type Discard struct{}

// Publish 实现 Publisher。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Discard) Close() error { return nil }
