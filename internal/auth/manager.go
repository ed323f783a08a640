// Package auth 实现基于钱包签名的登录流程：获取 nonce、构造并签名消息、
// 提交校验，并在上游 502/504 与 429 时按固定策略重试。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/fractal"
	"fractal-arena/internal/observability/metrics"
	"fractal-arena/internal/retry"
	"fractal-arena/pkg/logger"
)

// DefaultMaxRetries 是 502/504 的默认重试次数。
const DefaultMaxRetries = 3

// Signer 是登录所需的钱包能力。
type Signer interface {
	Address() common.Address
	SignMessage(message []byte) (string, error)
}

// Manager 持有单个钱包的登录会话。
type Manager struct {
	caller       fractal.Caller
	signer       Signer
	sleeper      retry.Sleeper
	maxRetries   int
	referralCode string
	now          func() time.Time
	logger       *slog.Logger
	label        string

	mu      sync.RWMutex
	state   State
	session *Session
}

// Option 定义可选配置。
type Option func(*Manager)

// WithSleeper 指定等待实现。
func WithSleeper(s retry.Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleeper = s
		}
	}
}

// WithMaxRetries 覆盖 502/504 的重试次数。
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithReferralCode 设置校验请求携带的邀请码。
func WithReferralCode(code string) Option {
	return func(m *Manager) {
		m.referralCode = strings.TrimSpace(code)
	}
}

// WithClock 替换时钟，测试中用于固定 Issued At。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 创建登录管理器。
func NewManager(caller fractal.Caller, signer Signer, opts ...Option) (*Manager, error) {
	if caller == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少后端客户端")
	}
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包签名器")
	}
	address := signer.Address().Hex()
	m := &Manager{
		caller:     caller,
		signer:     signer,
		sleeper:    retry.Timer{},
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     logger.ForWallet("auth", address),
		label:      logger.ShortAddress(address),
		state:      StateUnauthenticated,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// State 返回当前登录阶段。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session 返回当前会话，未登录时为 nil。
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	clone := *m.session
	return &clone
}

// Invalidate 丢弃当前会话，下次使用前需要重新登录。
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.session = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()
}

// Login 执行完整登录。502/504 最多重试 maxRetries 次，第 n 次重试前等待
// retry.Exponential(n-1)；429 固定等待 60 秒且不消耗重试次数。
func (m *Manager) Login(ctx context.Context) (*Session, error) {
	attempt := 0
	for {
		if attempt > 0 {
			note := fmt.Sprintf("Retry attempt %d/%d", attempt, m.maxRetries)
			if err := m.sleeper.Sleep(ctx, retry.Exponential(attempt-1), note); err != nil {
				return nil, err
			}
		}

		session, err := m.attempt(ctx)
		if err == nil {
			m.mu.Lock()
			m.session = session
			m.state = StateVerified
			m.mu.Unlock()
			m.logger.Info("Connected to Fraction AI", slog.Int64("user_id", session.User.ID))
			logger.Audit().Info("wallet login",
				slog.String("wallet", m.label),
				slog.Int64("user_id", session.User.ID),
			)
			return session, nil
		}
		m.setState(StateUnauthenticated)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		switch {
		case isRateLimited(err):
			metrics.IncEvent(m.label, metrics.EventRateLimited)
			m.logger.Warn("Rate limit hit (429). Waiting 1 minute before retry...")
			if err := m.sleeper.Sleep(ctx, retry.RateLimitCooldown, "Waiting for rate limit cooldown..."); err != nil {
				return nil, err
			}
			continue
		case isTransient(err) && attempt < m.maxRetries:
			attempt++
			metrics.IncEvent(m.label, metrics.EventLoginRetry)
			m.logger.Warn("登录遇到上游临时故障，准备重试",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		return nil, asAuthenticationError(err)
	}
}

func (m *Manager) attempt(ctx context.Context) (*Session, error) {
	m.setState(StateNonceRequested)
	resp, err := m.caller.Call(ctx, "/auth/nonce", http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, failure(resp)
	}
	var nonce struct {
		Nonce string `json:"nonce"`
	}
	if err := resp.Decode(&nonce); err != nil || strings.TrimSpace(nonce.Nonce) == "" {
		return nil, xerrors.New(xerrors.CodeAuthentication, "Authentication failed: nonce missing", xerrors.WithStatus(resp.Status))
	}

	message := BuildMessage(m.signer.Address().Hex(), nonce.Nonce, m.now())
	signature, err := m.signer.SignMessage([]byte(message))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAuthentication, err, "签名登录消息失败")
	}
	m.setState(StateSigned)

	resp, err = m.caller.Call(ctx, "/auth/verify", http.MethodPost, "", fractal.VerifyRequest{
		Message:      message,
		Signature:    signature,
		ReferralCode: m.referralCode,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() || len(resp.Data) == 0 {
		return nil, failure(resp)
	}
	var verified fractal.VerifyResponse
	if err := resp.Decode(&verified); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAuthentication, err, "解析登录响应失败")
	}
	if verified.AccessToken == "" {
		return nil, xerrors.New(xerrors.CodeAuthentication, "Authentication failed: access token missing")
	}
	return &Session{User: verified.User, Token: verified.AccessToken, IssuedAt: m.now()}, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// failure 把非 200 响应转换为统一错误，保留状态码以便重试分类。
func failure(resp *fractal.Response) error {
	detail := resp.ErrorText()
	if detail == "" {
		detail = strconv.Itoa(resp.Status)
	}
	code := xerrors.CodeAuthentication
	switch resp.Status {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		code = xerrors.CodeTransientInfra
	case http.StatusTooManyRequests:
		code = xerrors.CodeRateLimited
	}
	return xerrors.New(code, "Authentication failed: "+detail, xerrors.WithStatus(resp.Status))
}

// isTransient 以状态码识别 502/504。没有状态码的错误只按文本 "502" 识别，
// 文本中的 "504" 不触发重试。
func isTransient(err error) bool {
	switch xerrors.StatusOf(err) {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return strings.Contains(err.Error(), "502")
}

func isRateLimited(err error) bool {
	return xerrors.StatusOf(err) == http.StatusTooManyRequests || strings.Contains(err.Error(), "429")
}

// asAuthenticationError 把最终失败统一为 AUTHENTICATION_FAILED，保留上游状态码。
func asAuthenticationError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e, ok := xerrors.From(err)
	if ok && e.Code() == xerrors.CodeAuthentication {
		return e
	}
	opts := []xerrors.Option{}
	if status := xerrors.StatusOf(err); status != 0 {
		opts = append(opts, xerrors.WithStatus(status))
	}
	if ok && strings.HasPrefix(e.Message(), "Authentication failed") {
		return xerrors.New(xerrors.CodeAuthentication, e.Message(), opts...)
	}
	return xerrors.Wrap(xerrors.CodeAuthentication, err, "Login failed", opts...)
}
