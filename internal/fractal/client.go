// Package fractal 封装对 Fraction AI 后端的访问：统一请求头、429 冷却重试、
// 响应归一化，以及各业务端点的类型化调用。
package fractal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/observability/metrics"
	"fractal-arena/internal/retry"
	"fractal-arena/pkg/logger"
)

const (
	// DefaultBaseURL 是后端 API 的根地址。
	DefaultBaseURL = "https://dapp-backend-4x.fractionai.xyz/api3"
	defaultTimeout = 30 * time.Second
)

// normalizedStatuses 列出传输层失败时仍以 {status, data} 形式返回的状态码。
var normalizedStatuses = map[int]bool{
	http.StatusBadRequest:      true,
	http.StatusForbidden:       true,
	http.StatusConflict:        true,
	http.StatusTooManyRequests: true,
}

// Caller 是 API 客户端的最小能力集合。
type Caller interface {
	Call(ctx context.Context, endpoint, method, token string, body any) (*Response, error)
}

// Client 是带 429 冷却与响应归一化的后端客户端。
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	sleeper    retry.Sleeper
	cooldown   time.Duration
	logger     *slog.Logger
	label      string
}

// Option 定义可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSleeper 指定等待实现，测试中用于跳过 60 秒冷却。
func WithSleeper(s retry.Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleeper = s
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUserAgent 固定 User-Agent，默认每个实例随机挑选一次。
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = ua
		}
	}
}

// WithLabel 为该实例的指标打上钱包标签。
func WithLabel(label string) Option {
	return func(c *Client) {
		c.label = label
	}
}

// NewClient 创建后端客户端。
func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		userAgent:  randomUserAgent(),
		httpClient: &http.Client{Timeout: defaultTimeout},
		sleeper:    retry.Timer{},
		cooldown:   retry.RateLimitCooldown,
		logger:     logger.Named("fractal"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// UserAgent 返回当前实例使用的 User-Agent。
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Call 发送一次请求。HTTP 429 不会作为错误返回：客户端固定等待冷却时间后
// 原样重发，直到拿到非 429 响应。非 2xx 响应以 Response 返回，只有传输层
// 失败才返回 error。
func (c *Client) Call(ctx context.Context, endpoint, method, token string, body any) (*Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	var payload []byte
	if method != http.MethodGet {
		if body == nil {
			body = struct{}{}
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求体失败")
		}
		payload = encoded
	}

	for {
		resp, err := c.roundTrip(ctx, endpoint, method, token, payload)
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusTooManyRequests {
			metrics.IncEvent(c.label, metrics.EventRateLimited)
			c.logger.Warn("Rate limit hit (429). Waiting 1 minute before retry...", slog.String("endpoint", endpoint))
			if err := c.sleeper.Sleep(ctx, c.cooldown, "Waiting for rate limit cooldown..."); err != nil {
				return nil, err
			}
			continue
		}
		if !resp.OK() {
			if text := resp.ErrorText(); text != "" {
				c.logger.Error("Error: "+FormatErrorMessage(text),
					slog.String("endpoint", endpoint),
					slog.Int("status", resp.Status),
				)
			}
		}
		return resp, nil
	}
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, token string, payload []byte) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建请求失败")
	}
	req.Header = buildHeaders(c.userAgent, token)

	started := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveAPICall(routeTemplate(endpoint), method, 0, time.Since(started))
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("请求 %s 失败", endpoint))
	}
	defer httpResp.Body.Close()
	metrics.ObserveAPICall(routeTemplate(endpoint), method, httpResp.StatusCode, time.Since(started))

	status := httpResp.StatusCode
	if status >= 200 && status < 300 {
		status = http.StatusOK
	}
	if status == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return &Response{Status: status}, nil
	}

	raw, readErr := io.ReadAll(httpResp.Body)
	data, decodeErr := decodeBody(httpResp.Header.Get("Content-Type"), raw)
	if readErr == nil && decodeErr == nil {
		return &Response{Status: status, Data: data}, nil
	}

	cause := readErr
	if cause == nil {
		cause = decodeErr
	}
	if normalizedStatuses[httpResp.StatusCode] {
		return &Response{Status: httpResp.StatusCode, Data: messagePayload(strings.TrimSpace(string(raw)))}, nil
	}
	code := xerrors.CodeTransport
	if httpResp.StatusCode == http.StatusBadGateway || httpResp.StatusCode == http.StatusGatewayTimeout {
		code = xerrors.CodeTransientInfra
	}
	return nil, xerrors.Wrap(code, cause,
		fmt.Sprintf("%d - %s", httpResp.StatusCode, http.StatusText(httpResp.StatusCode)),
		xerrors.WithStatus(httpResp.StatusCode),
	)
}

// decodeBody 对 JSON 响应校验并原样保留，其余内容包装为 {"message": text}。
func decodeBody(contentType string, raw []byte) (json.RawMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "" {
		mediaType = contentType
	}
	if !strings.Contains(mediaType, "application/json") {
		return messagePayload(string(raw)), nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("响应不是合法的 JSON")
	}
	return json.RawMessage(raw), nil
}

// routeTemplate 把路径中的用户与 Agent 标识替换为占位符，控制指标维度。
func routeTemplate(endpoint string) string {
	path := endpoint
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	segments := strings.Split(path, "/")
	afterUser := false
	for i, seg := range segments {
		if seg == "user" {
			afterUser = true
			continue
		}
		if afterUser && seg != "" && seg != "status" {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
