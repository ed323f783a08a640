package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fractal-arena/internal/retry"
)

const (
	// DefaultAntiCaptchaURL 是 anti-captcha 的 API 地址。
	DefaultAntiCaptchaURL = "https://api.anti-captcha.com"

	firstPollDelay = 5 * time.Second
	pollInterval   = 2 * time.Second
	maxPolls       = 60
)

// ImageTask 是 ImageToTextTask 的参数。
type ImageTask struct {
	Type      string `json:"type"`
	Body      string `json:"body"`
	Phrase    bool   `json:"phrase"`
	Case      bool   `json:"case"`
	Numeric   int    `json:"numeric"`
	Math      bool   `json:"math"`
	MinLength int    `json:"minLength"`
	MaxLength int    `json:"maxLength"`
	Comment   string `json:"comment,omitempty"`
}

type createTaskRequest struct {
	ClientKey string    `json:"clientKey"`
	SoftID    int       `json:"softId"`
	Task      ImageTask `json:"task"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type apiResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		Text string `json:"text"`
	} `json:"solution"`
}

func (r apiResponse) err() error {
	if r.ErrorID == 0 {
		return nil
	}
	return fmt.Errorf("anti-captcha %s: %s", r.ErrorCode, r.ErrorDescription)
}

// AntiCaptcha 通过 createTask / getTaskResult 接口识别图片验证码。
type AntiCaptcha struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sleeper    retry.Sleeper
}

// AntiCaptchaOption 定义可选配置。
type AntiCaptchaOption func(*AntiCaptcha)

// WithAntiCaptchaSleeper 指定轮询等待实现。
func WithAntiCaptchaSleeper(s retry.Sleeper) AntiCaptchaOption {
	return func(a *AntiCaptcha) {
		if s != nil {
			a.sleeper = s
		}
	}
}

// WithAntiCaptchaHTTPClient 指定 HTTP 客户端。
func WithAntiCaptchaHTTPClient(c *http.Client) AntiCaptchaOption {
	return func(a *AntiCaptcha) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// NewAntiCaptcha 创建识别服务客户端。
func NewAntiCaptcha(apiKey, baseURL string, opts ...AntiCaptchaOption) (*AntiCaptcha, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("AntiCaptcha API key is required")
	}
	if baseURL == "" {
		baseURL = DefaultAntiCaptchaURL
	}
	a := &AntiCaptcha{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sleeper:    retry.Timer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// SolveImage 实现 Oracle。
func (a *AntiCaptcha) SolveImage(ctx context.Context, imageBase64 string) (string, error) {
	var created apiResponse
	err := a.post(ctx, "/createTask", createTaskRequest{
		ClientKey: a.apiKey,
		Task: ImageTask{
			Type:      "ImageToTextTask",
			Body:      imageBase64,
			MinLength: 5,
			MaxLength: 6,
			Comment:   "Fraction AI Captcha",
		},
	}, &created)
	if err != nil {
		return "", err
	}
	if err := created.err(); err != nil {
		return "", err
	}

	wait := firstPollDelay
	for i := 0; i < maxPolls; i++ {
		if err := a.sleeper.Sleep(ctx, wait, "Waiting for captcha result"); err != nil {
			return "", err
		}
		wait = pollInterval

		var result apiResponse
		if err := a.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: a.apiKey, TaskID: created.TaskID}, &result); err != nil {
			return "", err
		}
		if err := result.err(); err != nil {
			return "", err
		}
		if result.Status == "ready" {
			return result.Solution.Text, nil
		}
	}
	return "", fmt.Errorf("anti-captcha task %d not ready after %d polls", created.TaskID, maxPolls)
}

func (a *AntiCaptcha) post(ctx context.Context, path string, body any, out *apiResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("调用 anti-captcha 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anti-captcha 返回状态码 %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 anti-captcha 响应失败: %w", err)
	}
	return nil
}
