// Package captcha 下载验证码图片并交给识别服务求解。
package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/retry"
	"fractal-arena/pkg/logger"
)

// CodeCaptchaFailed 表示验证码在重试耗尽后仍未识别成功。
const CodeCaptchaFailed xerrors.Code = "CAPTCHA_FAILED"

func init() {
	xerrors.Register(CodeCaptchaFailed, xerrors.Attributes{
		Message:  "captcha solving failed",
		Severity: xerrors.SeverityWarning,
	})
}

// DefaultMaxRetries 是首次尝试之外的最大重试次数。
const DefaultMaxRetries = 3

// Oracle 识别 base64 编码的验证码图片。
type Oracle interface {
	SolveImage(ctx context.Context, imageBase64 string) (string, error)
}

// Solver 负责下载图片、编码并带退避地调用 Oracle。
type Solver struct {
	oracle     Oracle
	httpClient *http.Client
	sleeper    retry.Sleeper
	maxRetries int
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Solver)

// WithHTTPClient 指定下载图片使用的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(s *Solver) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithSleeper 指定退避等待实现。
func WithSleeper(sl retry.Sleeper) Option {
	return func(s *Solver) {
		if sl != nil {
			s.sleeper = sl
		}
	}
}

// WithMaxRetries 覆盖重试次数。
func WithMaxRetries(n int) Option {
	return func(s *Solver) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// NewSolver 创建验证码求解器。
func NewSolver(oracle Oracle, opts ...Option) (*Solver, error) {
	if oracle == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "验证码识别服务未配置")
	}
	s := &Solver{
		oracle:     oracle,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sleeper:    retry.Timer{},
		maxRetries: DefaultMaxRetries,
		logger:     logger.Named("captcha"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Solve 返回图片中的验证码文本。第 n 次重试前等待 retry.Exponential(n)。
func (s *Solver) Solve(ctx context.Context, imageURL string) (string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "No captcha image URL provided")
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			note := fmt.Sprintf("Retry attempt %d/%d", attempt, s.maxRetries)
			if err := s.sleeper.Sleep(ctx, retry.Exponential(attempt), note); err != nil {
				return "", err
			}
		}

		text, err := s.solveOnce(ctx, imageURL)
		if err == nil {
			s.logger.Info("Captcha solved successfully", slog.String("text", text))
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if attempt < s.maxRetries {
			s.logger.Warn(fmt.Sprintf("Captcha error: %s. Retrying...", err.Error()))
		}
	}

	s.logger.Error(fmt.Sprintf("Max retries (%d) reached", s.maxRetries), slog.String("error", lastErr.Error()))
	return "", xerrors.Wrap(CodeCaptchaFailed, lastErr, "Failed to solve captcha")
}

func (s *Solver) solveOnce(ctx context.Context, imageURL string) (string, error) {
	image, err := s.download(ctx, imageURL)
	if err != nil {
		return "", err
	}
	text, err := s.oracle.SolveImage(ctx, image)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("Failed to solve captcha")
	}
	return text, nil
}

// download 获取图片并转为 base64。
func (s *Solver) download(ctx context.Context, imageURL string) (string, error) {
	s.logger.Debug("Downloading captcha", slog.String("url", imageURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("构造下载请求失败: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("下载验证码失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("Failed to download image: %s", http.StatusText(resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取验证码失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ReportGood 记录一次被后端接受的识别结果。
func (s *Solver) ReportGood() {
	s.logger.Info("Reported correct captcha solution")
}

// ReportBad 记录一次被后端拒绝的识别结果。
func (s *Solver) ReportBad() {
	s.logger.Warn("Reported incorrect captcha solution")
}
