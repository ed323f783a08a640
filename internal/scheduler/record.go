package scheduler

import (
	"context"
	"time"
)

// MatchStatus 描述一次开赛尝试的结果。
type MatchStatus string

const (
	MatchStarted       MatchStatus = "started"
	MatchAlreadyQueued MatchStatus = "already_queued"
	MatchQuotaExceeded MatchStatus = "quota_exceeded"
)

// MatchRecord 是一次开赛尝试的历史记录。
type MatchRecord struct {
	ID            string      `json:"id"`
	Wallet        string      `json:"wallet"`
	UserID        int64       `json:"user_id"`
	AgentID       int64       `json:"agent_id"`
	AgentName     string      `json:"agent_name"`
	SessionTypeID int64       `json:"session_type_id"`
	SessionType   string      `json:"session_type"`
	EntryFee      string      `json:"entry_fee"`
	Status        MatchStatus `json:"status"`
	Detail        string      `json:"detail,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// MatchRecorder 保存开赛历史。
type MatchRecorder interface {
	RecordMatch(ctx context.Context, record MatchRecord) error
}

type discardRecorder struct{}

func (discardRecorder) RecordMatch(context.Context, MatchRecord) error { return nil }
