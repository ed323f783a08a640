package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fractal-arena/internal/scheduler"
)

// SQLQuotaStore 把每个钱包的配额状态保存在 quota_snapshots 表中。
type SQLQuotaStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLQuotaStore 创建配额存储。
func NewSQLQuotaStore(db *sql.DB) *SQLQuotaStore {
	return &SQLQuotaStore{db: db, now: time.Now}
}

const selectQuotaSQL = `SELECT session_count, last_session_time FROM quota_snapshots WHERE wallet = ?`

const upsertQuotaSQL = `INSERT INTO quota_snapshots (wallet, session_count, last_session_time, updated_at)
    VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE session_count = VALUES(session_count), last_session_time = VALUES(last_session_time), updated_at = VALUES(updated_at)`

// LoadQuota 实现 scheduler.QuotaStore。last_session_time 为 0 表示窗口尚未开始。
func (s *SQLQuotaStore) LoadQuota(ctx context.Context, wallet string) (scheduler.QuotaState, bool, error) {
	var (
		count int
		last  int64
	)
	err := s.db.QueryRowContext(ctx, selectQuotaSQL, wallet).Scan(&count, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.QuotaState{}, false, nil
	}
	if err != nil {
		return scheduler.QuotaState{}, false, fmt.Errorf("查询配额状态失败: %w", err)
	}
	state := scheduler.QuotaState{SessionCount: count}
	if last > 0 {
		state.LastSessionTime = time.UnixMilli(last).UTC()
	}
	return state, true, nil
}

// SaveQuota 实现 scheduler.QuotaStore。
func (s *SQLQuotaStore) SaveQuota(ctx context.Context, wallet string, state scheduler.QuotaState) error {
	var last int64
	if !state.LastSessionTime.IsZero() {
		last = state.LastSessionTime.UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, upsertQuotaSQL, wallet, state.SessionCount, last, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("保存配额状态失败: %w", err)
	}
	return nil
}
