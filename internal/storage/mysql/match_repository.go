package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fractal-arena/internal/scheduler"
)

const memoryHistoryLimit = 512

// MatchRepository 保存开赛历史并支持按钱包查询最近记录。
type MatchRepository interface {
	scheduler.MatchRecorder
	ListLatest(ctx context.Context, wallet string, limit int) ([]scheduler.MatchRecord, error)
}

// MemoryMatchRepository 在内存中保留最近的记录，同时以 JSON 行追加写入 matches.log，
// 重启后从文件恢复。
type MemoryMatchRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []scheduler.MatchRecord
}

// NewMemoryMatchRepository 创建基于本地文件的比赛记录仓库。
func NewMemoryMatchRepository(dataDir string) (*MemoryMatchRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryMatchRepository{dataFile: filepath.Join(dataDir, "matches.log")}
	if err := repo.restore(); err != nil {
		return nil, err
	}
	return repo, nil
}

// RecordMatch 追加一条记录。
func (m *MemoryMatchRepository) RecordMatch(_ context.Context, record scheduler.MatchRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化比赛记录失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开比赛记录文件失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入比赛记录失败: %w", err)
	}

	m.records = append([]scheduler.MatchRecord{record}, m.records...)
	if len(m.records) > memoryHistoryLimit {
		m.records = m.records[:memoryHistoryLimit]
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序。wallet 为空时返回全部钱包。
func (m *MemoryMatchRepository) ListLatest(_ context.Context, wallet string, limit int) ([]scheduler.MatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []scheduler.MatchRecord
	for _, record := range m.records {
		if wallet != "" && record.Wallet != wallet {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryMatchRepository) restore() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取比赛记录文件失败: %w", err)
	}
	defer file.Close()

	var restored []scheduler.MatchRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record scheduler.MatchRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析比赛记录文件失败: %w", err)
	}

	for i, j := 0, len(restored)-1; i < j; i, j = i+1, j-1 {
		restored[i], restored[j] = restored[j], restored[i]
	}
	if len(restored) > memoryHistoryLimit {
		restored = restored[:memoryHistoryLimit]
	}
	m.records = restored
	return nil
}

// SQLMatchRepository 将比赛记录写入 matches 表。
type SQLMatchRepository struct {
	db *sql.DB
}

// NewSQLMatchRepository 使用已完成迁移的连接池创建仓库。
func NewSQLMatchRepository(db *sql.DB) *SQLMatchRepository {
	return &SQLMatchRepository{db: db}
}

const insertMatchSQL = `INSERT INTO matches
    (id, wallet, user_id, agent_id, agent_name, session_type_id, session_type, entry_fee, status, detail, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectMatchesSQL = `SELECT id, wallet, user_id, agent_id, agent_name, session_type_id, session_type, entry_fee, status, detail, created_at
    FROM matches WHERE wallet = ? ORDER BY created_at DESC LIMIT ?`

// RecordMatch 写入一条记录。同一 ID 重复写入视为成功。
func (s *SQLMatchRepository) RecordMatch(ctx context.Context, record scheduler.MatchRecord) error {
	_, err := s.db.ExecContext(ctx, insertMatchSQL,
		record.ID,
		record.Wallet,
		record.UserID,
		record.AgentID,
		record.AgentName,
		record.SessionTypeID,
		record.SessionType,
		record.EntryFee,
		string(record.Status),
		record.Detail,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return nil
		}
		return fmt.Errorf("写入比赛记录失败: %w", err)
	}
	return nil
}

// ListLatest 查询钱包最近的比赛记录。
func (s *SQLMatchRepository) ListLatest(ctx context.Context, wallet string, limit int) ([]scheduler.MatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectMatchesSQL, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("查询比赛记录失败: %w", err)
	}
	defer rows.Close()

	var records []scheduler.MatchRecord
	for rows.Next() {
		var (
			record    scheduler.MatchRecord
			status    string
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.Wallet, &record.UserID, &record.AgentID, &record.AgentName,
			&record.SessionTypeID, &record.SessionType, &record.EntryFee, &status, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("解析比赛记录失败: %w", err)
		}
		record.Status = scheduler.MatchStatus(status)
		record.Detail = detail.String
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历比赛记录失败: %w", err)
	}
	return records, nil
}
