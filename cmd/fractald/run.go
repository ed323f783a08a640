package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fractal-arena/internal/auth"
	"fractal-arena/internal/fractal"
	"fractal-arena/internal/runner"
	"fractal-arena/internal/scheduler"
	"fractal-arena/internal/status"
	"fractal-arena/internal/web3/ethereum"
	"fractal-arena/pkg/logger"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动所有钱包的调度协程",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context())
		},
	}
}

// workers 为每个私钥组装 API 客户端、登录管理器与调度器。
func (a *app) workers() ([]runner.Worker, error) {
	out := make([]runner.Worker, 0, len(a.cfg.Wallets.PrivateKeys))
	for i, key := range a.cfg.Wallets.PrivateKeys {
		wallet, err := ethereum.NewWallet(key, a.backend())
		if err != nil {
			return nil, fmt.Errorf("第 %d 个私钥无效: %w", i+1, err)
		}
		address := wallet.Address().Hex()
		label := logger.ShortAddress(address)

		client := fractal.NewClient(a.cfg.Fractal.BaseURL,
			fractal.WithLabel(label),
			fractal.WithLogger(logger.ForWallet("fractal", address)),
		)
		manager, err := auth.NewManager(client, wallet,
			auth.WithMaxRetries(a.cfg.Fractal.MaxLoginRetries),
			auth.WithReferralCode(a.cfg.Fractal.ReferralCode),
			auth.WithLogger(logger.ForWallet("auth", address)),
		)
		if err != nil {
			return nil, err
		}
		sched := scheduler.New(client, manager, address, a.cfg.Fractal.Fee,
			scheduler.WithQuotaStore(a.quotas),
			scheduler.WithRecorder(a.matches),
			scheduler.WithPublisher(a.publisher),
		)

		w := runner.Worker{Address: address, Auth: manager, Scheduler: sched}
		if a.chain != nil {
			w.Balance = wallet
		}
		out = append(out, w)
	}
	return out, nil
}

func (a *app) run(ctx context.Context) error {
	workers, err := a.workers()
	if err != nil {
		return err
	}
	r := runner.New(workers, runner.WithPublisher(a.publisher), runner.WithAlerts(a.alerts))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })

	if addr := a.cfg.Status.Address; addr != "" {
		opts := []status.Option{
			status.WithWallets(r),
			status.WithEvents(a.buffer),
			status.WithMatches(a.matches),
		}
		if a.registry != nil {
			opts = append(opts, status.WithChains(a.registry))
		}
		srv := status.NewServer(addr, opts...)
		g.Go(func() error { return srv.Start(gctx) })
		logger.L().Info("状态服务已启动", slog.String("address", addr))
	}

	logger.L().Info("fractald 已启动", slog.String("run_id", r.RunID()), slog.Int("wallets", len(workers)))
	return g.Wait()
}
