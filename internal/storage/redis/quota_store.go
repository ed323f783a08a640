package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fractal-arena/internal/scheduler"
)

const (
	fieldSessionCount    = "session_count"
	fieldLastSessionTime = "last_session_time"
)

// Config 描述 Redis 连接参数。Prefix 与钱包地址拼接成哈希键。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// QuotaStore 实现 scheduler.QuotaStore。键在两个配额窗口后过期，
// 过期等价于窗口已滚动。
type QuotaStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewQuotaStore 连接 Redis 并创建配额存储。
func NewQuotaStore(ctx context.Context, cfg Config) (*QuotaStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewQuotaStoreWithClient(client, cfg.Prefix), nil
}

// NewQuotaStoreWithClient 复用已有客户端。
func NewQuotaStoreWithClient(client *redis.Client, prefix string) *QuotaStore {
	if prefix == "" {
		prefix = "fractal:quota"
	}
	return &QuotaStore{client: client, prefix: prefix, ttl: 2 * scheduler.QuotaWindow}
}

func (s *QuotaStore) key(wallet string) string {
	return s.prefix + ":" + strings.ToLower(wallet)
}

// LoadQuota 读取钱包的配额状态，键不存在时返回 false。
func (s *QuotaStore) LoadQuota(ctx context.Context, wallet string) (scheduler.QuotaState, bool, error) {
	values, err := s.client.HGetAll(ctx, s.key(wallet)).Result()
	if err != nil {
		return scheduler.QuotaState{}, false, fmt.Errorf("读取 Redis 配额失败: %w", err)
	}
	if len(values) == 0 {
		return scheduler.QuotaState{}, false, nil
	}
	state, err := decodeQuota(values)
	if err != nil {
		return scheduler.QuotaState{}, false, err
	}
	return state, true, nil
}

// SaveQuota 写入配额状态并刷新过期时间。
func (s *QuotaStore) SaveQuota(ctx context.Context, wallet string, state scheduler.QuotaState) error {
	key := s.key(wallet)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, encodeQuota(state))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入 Redis 配额失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (s *QuotaStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func encodeQuota(state scheduler.QuotaState) map[string]any {
	var last int64
	if !state.LastSessionTime.IsZero() {
		last = state.LastSessionTime.UnixMilli()
	}
	return map[string]any{
		fieldSessionCount:    state.SessionCount,
		fieldLastSessionTime: last,
	}
}

func decodeQuota(values map[string]string) (scheduler.QuotaState, error) {
	var state scheduler.QuotaState
	if raw, ok := values[fieldSessionCount]; ok {
		count, err := strconv.Atoi(raw)
		if err != nil {
			return state, fmt.Errorf("解析 session_count 失败: %w", err)
		}
		state.SessionCount = count
	}
	if raw, ok := values[fieldLastSessionTime]; ok {
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return state, fmt.Errorf("解析 last_session_time 失败: %w", err)
		}
		if last > 0 {
			state.LastSessionTime = time.UnixMilli(last).UTC()
		}
	}
	return state, nil
}
