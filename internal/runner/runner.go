// Package runner 为每个钱包启动一个工作协程，依次完成连接、登录、拉取数据，
// 然后循环执行调度。
package runner

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fractal-arena/internal/auth"
	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/events"
	"fractal-arena/internal/observability/alerting"
	"fractal-arena/internal/retry"
	"fractal-arena/internal/scheduler"
	"fractal-arena/pkg/logger"
)

// ErrorPause 是未分类错误之后的等待时间。
const ErrorPause = 30 * time.Second

// Authenticator 管理钱包的登录会话，auth.Manager 满足该接口。
type Authenticator interface {
	Login(ctx context.Context) (*auth.Session, error)
	Session() *auth.Session
	Invalidate()
}

// Pass 是单个钱包的调度器，scheduler.Scheduler 满足该接口。
type Pass interface {
	Refresh(ctx context.Context) error
	ProcessAgents(ctx context.Context) error
	Snapshot() scheduler.Snapshot
}

// BalanceSource 刷新钱包余额，返回以 ETH 表示的字符串。
type BalanceSource interface {
	RefreshBalance(ctx context.Context) (string, error)
}

// Worker 汇集一个钱包运行所需的组件。
type Worker struct {
	Address   string
	Auth      Authenticator
	Scheduler Pass
	Balance   BalanceSource
}

// Runner 并发运行所有钱包。
type Runner struct {
	workers       []Worker
	publisher     events.Publisher
	alerts        alerting.Dispatcher
	sleeper       retry.Sleeper
	maxIterations int
	runID         string
	logger        *slog.Logger

	mu      sync.RWMutex
	running map[string]bool
}

// Option 定义可选配置。
type Option func(*Runner)

// WithPublisher 指定事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Runner) {
		if d != nil {
			r.alerts = d
		}
	}
}

// WithSleeper 指定等待实现。
func WithSleeper(s retry.Sleeper) Option {
	return func(r *Runner) {
		if s != nil {
			r.sleeper = s
		}
	}
}

// WithMaxIterations 限制每个钱包的循环次数，0 表示不限制。
func WithMaxIterations(n int) Option {
	return func(r *Runner) { r.maxIterations = n }
}

// New 创建 Runner。
func New(workers []Worker, opts ...Option) *Runner {
	r := &Runner{
		workers:   workers,
		publisher: events.Discard{},
		sleeper:   retry.Timer{},
		runID:     uuid.NewString(),
		running:   make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = logger.Named("runner").With(slog.String("run_id", r.runID))
	return r
}

// RunID 返回本次运行的标识。
func (r *Runner) RunID() string {
	return r.runID
}

// Run 为每个钱包启动一个协程，直到上下文取消或全部达到循环上限。
func (r *Runner) Run(ctx context.Context) error {
	if len(r.workers) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "没有可运行的钱包")
	}
	r.logger.Info("启动钱包工作协程", slog.Int("wallets", len(r.workers)))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			return r.runWorker(gctx, w)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshots 返回所有钱包的调度快照，并标记工作协程是否仍在运行。
func (r *Runner) Snapshots() []scheduler.Snapshot {
	out := make([]scheduler.Snapshot, 0, len(r.workers))
	for _, w := range r.workers {
		snap := w.Scheduler.Snapshot()
		snap.Running = r.Running(w.Address)
		out = append(out, snap)
	}
	return out
}

// Running 判断钱包的工作协程是否仍在运行。
func (r *Runner) Running(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running[address]
}

func (r *Runner) setRunning(address string, running bool) {
	r.mu.Lock()
	r.running[address] = running
	r.mu.Unlock()
}

func (r *Runner) runWorker(ctx context.Context, w Worker) error {
	log := logger.ForWallet("runner", w.Address).With(slog.String("run_id", r.runID))
	r.setRunning(w.Address, true)
	defer func() {
		r.setRunning(w.Address, false)
		r.publish(context.WithoutCancel(ctx), events.TypeWorkerStopped, w.Address, "", nil)
		log.Info("钱包工作协程已退出")
	}()

	r.connect(ctx, w, log)

	loginFailures := 0
	for i := 0; r.maxIterations == 0 || i < r.maxIterations; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if !w.Auth.Session().Valid() {
			if err := r.login(ctx, w, log); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				loginFailures++
				log.Error("登录失败", slog.String("error", err.Error()))
				r.alert(ctx, w.Address, err, loginFailures)
				if err := r.sleeper.Sleep(ctx, ErrorPause, "Waiting before next login"); err != nil {
					return nil
				}
				continue
			}
			loginFailures = 0
		}
		if err := w.Scheduler.ProcessAgents(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.handlePassError(ctx, w, err, log); err != nil {
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) connect(ctx context.Context, w Worker, log *slog.Logger) {
	log.Info("Connecting to wallet")
	if w.Balance == nil {
		return
	}
	balance, err := w.Balance.RefreshBalance(ctx)
	if err != nil {
		log.Warn("获取余额失败", slog.String("error", err.Error()))
		return
	}
	log.Info("Balance updated", slog.String("eth", balance))
	r.publish(ctx, events.TypeBalanceUpdated, w.Address, "", map[string]any{"eth": balance})
}

func (r *Runner) login(ctx context.Context, w Worker, log *slog.Logger) error {
	session, err := w.Auth.Login(ctx)
	if err != nil {
		return err
	}
	log.Info("Connected to Fraction AI", slog.Int64("user_id", session.User.ID))
	r.publish(ctx, events.TypeLoggedIn, w.Address, "", map[string]any{"user_id": session.User.ID})
	return w.Scheduler.Refresh(ctx)
}

// handlePassError 根据调度错误决定下一步。返回非 nil 表示上下文已取消。
func (r *Runner) handlePassError(ctx context.Context, w Worker, err error, log *slog.Logger) error {
	switch {
	case xerrors.StatusOf(err) == http.StatusUnauthorized:
		log.Warn("会话已失效，下一轮重新登录", slog.String("error", err.Error()))
		w.Auth.Invalidate()
		return nil
	case xerrors.CodeOf(err) == xerrors.CodeNoAgents:
		if rerr := w.Scheduler.Refresh(ctx); rerr != nil {
			log.Warn("重新拉取 Agent 失败", slog.String("error", rerr.Error()))
		}
		return nil
	case xerrors.CodeOf(err) == xerrors.CodeQuotaExceeded:
		log.Info(err.Error())
		return nil
	}
	log.Error("调度失败", slog.String("code", string(xerrors.CodeOf(err))), slog.String("error", err.Error()))
	r.alert(ctx, w.Address, err, 1)
	return r.sleeper.Sleep(ctx, ErrorPause, "Waiting after scheduling error")
}

func (r *Runner) alert(ctx context.Context, wallet string, err error, attempts int) {
	if r.alerts == nil {
		return
	}
	if aerr := r.alerts.Notify(ctx, alerting.FromError(wallet, err, attempts)); aerr != nil {
		r.logger.Warn("发送告警失败", slog.String("error", aerr.Error()))
	}
}

func (r *Runner) publish(ctx context.Context, typ events.Type, wallet, message string, data map[string]any) {
	if err := r.publisher.Publish(ctx, events.New(typ, wallet, message, data)); err != nil {
		r.logger.Warn("发布事件失败", slog.String("type", string(typ)), slog.String("error", err.Error()))
	}
}
