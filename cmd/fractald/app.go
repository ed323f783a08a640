package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"fractal-arena/internal/config"
	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/events"
	"fractal-arena/internal/observability/alerting"
	"fractal-arena/internal/scheduler"
	"fractal-arena/internal/storage/mysql"
	storageredis "fractal-arena/internal/storage/redis"
	"fractal-arena/internal/web3"
	"fractal-arena/internal/web3/ethereum"
	"fractal-arena/internal/web3/provider"
	"fractal-arena/pkg/logger"
)

// app 持有进程级的共享组件。
type app struct {
	cfg       *config.Config
	registry  *provider.Registry
	chain     *ethereum.Client
	buffer    *events.Memory
	publisher events.Publisher
	alerts    alerting.Dispatcher
	matches   mysql.MatchRepository
	quotas    scheduler.QuotaStore
	closers   []func() error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	switch {
	case errors.Is(err, provider.ErrNoChains):
		logger.L().Warn("未配置链 RPC，余额与交易功能不可用")
	case err != nil:
		return nil, err
	default:
		a.registry = registry
		a.closers = append(a.closers, func() error { registry.Close(); return nil })
		if a.chain, err = registry.DefaultClient(); err != nil {
			return nil, err
		}
	}

	if err := a.buildEvents(ctx); err != nil {
		return nil, err
	}
	if err := a.buildStores(ctx); err != nil {
		return nil, err
	}
	a.buildAlerts()
	ok = true
	return a, nil
}

func (a *app) buildEvents(ctx context.Context) error {
	cfg := a.cfg.Events
	a.buffer = events.NewMemory(cfg.Buffer)
	publishers := []events.Publisher{a.buffer}

	switch cfg.Driver {
	case "memory":
	case "redis":
		pub, err := events.NewRedis(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return err
		}
		publishers = append(publishers, pub)
	case "rabbitmq":
		pub, err := events.NewRabbitMQ(events.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		publishers = append(publishers, pub)
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}

	fanout := events.NewFanout(publishers...)
	a.publisher = fanout
	a.closers = append(a.closers, fanout.Close)
	return nil
}

func (a *app) buildStores(ctx context.Context) error {
	storage := a.cfg.Storage
	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		opened, err := mysql.Open(ctx, mysql.Config{
			DSN:             storage.MatchStore.DSN,
			MaxOpenConns:    storage.MatchStore.MaxOpenConns,
			MaxIdleConns:    storage.MatchStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(storage.MatchStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(storage.MatchStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		db = opened
		a.closers = append(a.closers, opened.Close)
		return db, nil
	}

	switch storage.MatchStore.Driver {
	case "memory":
		repo, err := mysql.NewMemoryMatchRepository(a.cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		a.matches = repo
	case "mysql":
		conn, err := openDB()
		if err != nil {
			return err
		}
		a.matches = mysql.NewSQLMatchRepository(conn)
	default:
		return fmt.Errorf("未知的比赛记录存储驱动: %s", storage.MatchStore.Driver)
	}

	switch storage.QuotaStore.Driver {
	case "memory":
		a.quotas = scheduler.NewMemoryQuotaStore()
	case "redis":
		store, err := storageredis.NewQuotaStore(ctx, storageredis.Config{
			Address:  storage.QuotaStore.Redis.Address,
			Password: storage.QuotaStore.Redis.Password,
			DB:       storage.QuotaStore.Redis.DB,
			Prefix:   storage.QuotaStore.Redis.Key,
		})
		if err != nil {
			return err
		}
		a.quotas = store
		a.closers = append(a.closers, store.Close)
	case "mysql":
		conn, err := openDB()
		if err != nil {
			return err
		}
		a.quotas = mysql.NewSQLQuotaStore(conn)
	default:
		return fmt.Errorf("未知的配额存储驱动: %s", storage.QuotaStore.Driver)
	}
	return nil
}

func (a *app) buildAlerts() {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := a.cfg.Alerts.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	a.alerts = alerting.NewFanout(xerrors.Severity(a.cfg.Alerts.MinSeverity), notifiers...)
}

// backend 返回默认链的访问后端，未配置链时为 nil。
func (a *app) backend() web3.Backend {
	if a.chain == nil {
		return nil
	}
	return a.chain
}

// Close 按创建的逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
