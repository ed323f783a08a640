package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fractal-arena/pkg/logger"
)

// Config 描述了 fractal-arena 在启动阶段需要加载的全部配置。
type Config struct {
	Fractal FractalConfig `json:"fractal"`
	Wallets WalletsConfig `json:"wallets"`
	Web3    Web3Config    `json:"web3"`
	Captcha CaptchaConfig `json:"captcha"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Status  StatusConfig  `json:"status"`
	Alerts  AlertsConfig  `json:"alerts"`
	Log     logger.Config `json:"log"`
	Runtime RuntimeConfig `json:"runtime"`
}

// FractalConfig 描述后端地址与开赛参数。Fee 原样转发给开赛接口。
type FractalConfig struct {
	BaseURL         string      `json:"base_url"`
	Fee             json.Number `json:"fee"`
	ReferralCode    string      `json:"referral_code"`
	MaxLoginRetries int         `json:"max_login_retries"`
}

// WalletsConfig 列出需要托管的钱包私钥，可直接填写或从文件读取（每行一个）。
type WalletsConfig struct {
	PrivateKeys []string `json:"private_keys"`
	KeysFile    string   `json:"keys_file"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	ChainID      int64  `json:"chain_id"`
	Explorer     string `json:"explorer"`
}

// CaptchaConfig 描述验证码识别服务。
type CaptchaConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	MatchStore MatchStoreConfig `json:"match_store"`
	QuotaStore QuotaStoreConfig `json:"quota_store"`
}

// MatchStoreConfig 控制比赛记录的存储位置，memory 会落盘到 data_dir。
type MatchStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QuotaStoreConfig 控制每小时会话配额状态的持久化。
type QuotaStoreConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// EventsConfig 控制运行事件的发布方式。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 发布参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// StatusConfig 控制状态与指标 HTTP 服务，地址为空时不启动。
type StatusConfig struct {
	Address string `json:"address"`
}

// AlertsConfig 控制告警通知，webhook_url 为空时只写日志。
type AlertsConfig struct {
	WebhookURL  string `json:"webhook_url"`
	MinSeverity string `json:"min_severity"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 JSON 配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)
	if err := cfg.loadKeysFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用 FRACTAL_* 环境变量覆盖敏感字段，避免私钥写入配置文件。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("FRACTAL_PRIVATE_KEYS")); v != "" {
		c.Wallets.PrivateKeys = splitList(v)
	}
	if v := strings.TrimSpace(getenv("FRACTAL_KEYS_FILE")); v != "" {
		c.Wallets.KeysFile = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_CAPTCHA_API_KEY")); v != "" {
		c.Captcha.APIKey = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_REFERRAL_CODE")); v != "" {
		c.Fractal.ReferralCode = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_RPC_URL")); v != "" {
		c.Web3.RPCURL = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_MYSQL_DSN")); v != "" {
		c.Storage.MatchStore.DSN = v
	}
	if v := getenv("FRACTAL_REDIS_PASSWORD"); v != "" {
		c.Storage.QuotaStore.Redis.Password = v
		c.Events.Redis.Password = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_RABBITMQ_URL")); v != "" {
		c.Events.RabbitMQ.URL = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_ALERT_WEBHOOK")); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := strings.TrimSpace(getenv("FRACTAL_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Fractal.BaseURL == "" {
		c.Fractal.BaseURL = "https://dapp-backend-4x.fractionai.xyz/api3"
	}
	if c.Fractal.MaxLoginRetries <= 0 {
		c.Fractal.MaxLoginRetries = 3
	}

	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 11155111
	}
	if c.Web3.Explorer == "" {
		c.Web3.Explorer = "https://sepolia.etherscan.io/"
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	if c.Captcha.BaseURL == "" {
		c.Captcha.BaseURL = "https://api.anti-captcha.com"
	}

	if c.Storage.MatchStore.Driver == "" {
		c.Storage.MatchStore.Driver = "memory"
	}
	if c.Storage.QuotaStore.Driver == "" {
		c.Storage.QuotaStore.Driver = "memory"
	}
	if c.Storage.QuotaStore.Redis.Key == "" {
		c.Storage.QuotaStore.Redis.Key = "fractal:quota"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "fractal:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "fractal.events"
	}

	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = "critical"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
	c.Wallets.KeysFile = resolvePath(baseDir, c.Wallets.KeysFile)
}

// loadKeysFile 合并 keys_file 中的私钥，忽略空行与 # 注释并去重。
func (c *Config) loadKeysFile() error {
	keys := make([]string, 0, len(c.Wallets.PrivateKeys))
	keys = append(keys, c.Wallets.PrivateKeys...)
	if c.Wallets.KeysFile != "" {
		file, err := os.Open(c.Wallets.KeysFile)
		if err != nil {
			return fmt.Errorf("打开私钥文件失败: %w", err)
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			keys = append(keys, line)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("读取私钥文件失败: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(keys))
	unique := keys[:0]
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	c.Wallets.PrivateKeys = unique
	return nil
}

// Validate 检查启动所需的必填项。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Fractal.Fee.String()) == "" {
		return errors.New("fractal.fee 未配置")
	}
	if _, err := strconv.ParseFloat(c.Fractal.Fee.String(), 64); err != nil {
		return fmt.Errorf("fractal.fee 不是合法数字: %w", err)
	}
	if len(c.Wallets.PrivateKeys) == 0 {
		return errors.New("未配置任何钱包私钥")
	}
	switch c.Storage.MatchStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MatchStore.DSN) == "" {
			return errors.New("storage.match_store.dsn 未配置")
		}
	default:
		return fmt.Errorf("未知的比赛记录存储驱动: %s", c.Storage.MatchStore.Driver)
	}
	switch c.Storage.QuotaStore.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Storage.QuotaStore.Redis.Address) == "" {
			return errors.New("storage.quota_store.redis.address 未配置")
		}
	case "mysql":
		if strings.TrimSpace(c.Storage.MatchStore.DSN) == "" {
			return errors.New("quota_store 使用 mysql 时需要配置 storage.match_store.dsn")
		}
	default:
		return fmt.Errorf("未知的配额存储驱动: %s", c.Storage.QuotaStore.Driver)
	}
	switch c.Alerts.MinSeverity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("未知的告警级别: %s", c.Alerts.MinSeverity)
	}
	switch c.Events.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.Address) == "" {
			return errors.New("events.redis.address 未配置")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
			return errors.New("events.rabbitmq.url 未配置")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	return nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func splitList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
