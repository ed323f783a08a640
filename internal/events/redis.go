package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	MaxLen   int64
}

// Redis 把事件以 JSON 形式写入 Redis list，并裁剪到固定长度。
type Redis struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedis 创建 Redis 事件发布器。
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
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
	return NewRedisWithClient(client, cfg.Key, cfg.MaxLen), nil
}

// NewRedisWithClient 复用已有的 Redis 客户端。
func NewRedisWithClient(client *redis.Client, key string, maxLen int64) *Redis {
	if key == "" {
		key = "fractal:events"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Redis{client: client, key: key, maxLen: maxLen}
}

// Publish 实现 Publisher。
func (r *Redis) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, payload)
	pipe.LTrim(ctx, r.key, 0, r.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
