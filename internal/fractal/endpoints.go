package fractal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	xerrors "fractal-arena/internal/errors"
)

// CodeAlreadyQueued 表示后端拒绝开赛，因为 Agent 已在队列中。
const CodeAlreadyQueued xerrors.Code = "ALREADY_QUEUED"

func init() {
	xerrors.Register(CodeAlreadyQueued, xerrors.Attributes{
		Message:  "agent already in queue",
		Severity: xerrors.SeverityInfo,
	})
}

// Backend 是调度器依赖的类型化端点集合。
type Backend interface {
	Agents(ctx context.Context, token string, userID int64) ([]Agent, error)
	SessionTypes(ctx context.Context, token string) ([]SessionType, error)
	FractalInfo(ctx context.Context, token string, userID int64) (FractalInfo, error)
	AgentStatus(ctx context.Context, token string, userID, agentID int64) (AgentStatus, error)
	InitiateMatch(ctx context.Context, token string, req InitiateMatchRequest) error
}

var _ Backend = (*Client)(nil)

// Agents 查询用户名下的 Agent 列表。响应不是数组时视为空列表，元素结构不符时返回 BACKEND_REJECTED。
func (c *Client) Agents(ctx context.Context, token string, userID int64) ([]Agent, error) {
	resp, err := c.Call(ctx, fmt.Sprintf("/agents/user/%d", userID), http.MethodGet, token, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() || len(resp.Data) == 0 {
		return nil, rejected(resp, "Failed to fetch agents")
	}
	agents := []Agent{}
	if err := decodeList(resp.Data, &agents); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendRejected, err, "解析 Agent 列表失败")
	}
	return agents, nil
}

// SessionTypes 查询赛制目录。响应不是数组时视为空列表，元素结构不符时返回 BACKEND_REJECTED。
func (c *Client) SessionTypes(ctx context.Context, token string) ([]SessionType, error) {
	resp, err := c.Call(ctx, "/session-types/list", http.MethodGet, token, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() || len(resp.Data) == 0 {
		return nil, rejected(resp, "Failed to fetch sessions")
	}
	sessions := []SessionType{}
	if err := decodeList(resp.Data, &sessions); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendRejected, err, "解析赛制目录失败")
	}
	return sessions, nil
}

// decodeList 将 JSON 数组解码到 out。非数组载荷保持 out 不变，元素结构不符时返回错误。
func decodeList(raw json.RawMessage, out any) error {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// FractalInfo 查询用户的奖励统计。
func (c *Client) FractalInfo(ctx context.Context, token string, userID int64) (FractalInfo, error) {
	resp, err := c.Call(ctx, fmt.Sprintf("/rewards/fractal/user/%d", userID), http.MethodGet, token, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() || len(resp.Data) == 0 {
		return nil, rejected(resp, "Failed to fetch fractal info")
	}
	var info FractalInfo
	if err := resp.Decode(&info); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendRejected, err, "解析奖励信息失败")
	}
	return info, nil
}

// AgentStatus 查询 Agent 的实时排队状态。非 200 响应视为未排队。
func (c *Client) AgentStatus(ctx context.Context, token string, userID, agentID int64) (AgentStatus, error) {
	resp, err := c.Call(ctx, fmt.Sprintf("/agents/user/%d/%d/status", userID, agentID), http.MethodGet, token, nil)
	if err != nil {
		return AgentStatus{}, err
	}
	if !resp.OK() {
		return AgentStatus{}, nil
	}
	var status AgentStatus
	if err := resp.Decode(&status); err != nil {
		return AgentStatus{}, nil
	}
	return status, nil
}

// InitiateMatch 发起匹配。后端提示已在队列时返回 CodeAlreadyQueued，提示达到
// 每小时会话上限时返回 CodeQuotaExceeded，其余失败返回 CodeBackendRejected。
func (c *Client) InitiateMatch(ctx context.Context, token string, req InitiateMatchRequest) error {
	resp, err := c.Call(ctx, "/matchmaking/initiate", http.MethodPost, token, req)
	if err != nil {
		return err
	}
	if resp.OK() {
		return nil
	}
	text := resp.ErrorText()
	switch {
	case strings.Contains(text, "already in queue"):
		return xerrors.New(CodeAlreadyQueued, text, xerrors.WithStatus(resp.Status))
	case strings.Contains(text, "maximum number of sessions"):
		return xerrors.New(xerrors.CodeQuotaExceeded, FormatErrorMessage(text),
			xerrors.WithStatus(resp.Status),
			xerrors.WithMetadata("upstream", text),
		)
	case text == "":
		text = "Failed to start match"
	}
	return xerrors.New(xerrors.CodeBackendRejected, text, xerrors.WithStatus(resp.Status))
}

func rejected(resp *Response, fallback string) error {
	msg := fallback
	if text := resp.ErrorText(); text != "" {
		msg = fmt.Sprintf("%s: %s", fallback, FormatErrorMessage(text))
	} else if text := resp.Message(); text != "" {
		msg = fmt.Sprintf("%s: %s", fallback, text)
	}
	return xerrors.New(xerrors.CodeBackendRejected, msg, xerrors.WithStatus(resp.Status))
}
