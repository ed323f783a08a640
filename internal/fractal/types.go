package fractal

import (
	"encoding/json"
	"time"
)

// User 是登录成功后后端返回的用户资料，除 ID 外其余字段原样保留。
type User struct {
	ID  int64           `json:"id"`
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON 兼容数字或字符串形式的用户 ID，并保留原始资料。
func (u *User) UnmarshalJSON(data []byte) error {
	var probe struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.ID != "" {
		id, err := probe.ID.Int64()
		if err != nil {
			return err
		}
		u.ID = id
	}
	u.Raw = append(u.Raw[:0], data...)
	return nil
}

// AgentSessionType 是 Agent 上绑定的赛制描述，SessionType 字段用于与赛制目录匹配。
type AgentSessionType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	SessionType string `json:"sessionType"`
}

// Agent 描述用户名下的一个参赛智能体。由后端创建，本系统只读。
type Agent struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	SessionType       AgentSessionType `json:"sessionType"`
	AutomationEnabled bool             `json:"automationEnabled"`
}

// SessionDescriptor 是赛制目录条目中的赛制定义。
type SessionDescriptor struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	SessionType      string `json:"sessionType"`
	DurationPerRound int64  `json:"durationPerRound"`
	Rounds           int64  `json:"rounds"`
}

// SessionType 是 /session-types/list 返回的一条赛制目录。
type SessionType struct {
	SessionType SessionDescriptor `json:"sessionType"`
}

// Key 返回用于与 Agent 赛制匹配的标识。
func (s SessionType) Key() string {
	return s.SessionType.SessionType
}

// Duration 返回整场比赛的总时长（每轮时长 × 轮数）。
func (s SessionType) Duration() time.Duration {
	return time.Duration(s.SessionType.DurationPerRound*s.SessionType.Rounds) * time.Second
}

// AgentStatus 是单个 Agent 的实时排队状态。
type AgentStatus struct {
	InQueue bool `json:"inQueue"`
}

// FractalInfo 是用户的奖励统计，结构由后端决定，按原样保存。
type FractalInfo map[string]any

// VerifyRequest 是 /auth/verify 的请求体。
type VerifyRequest struct {
	Message      string `json:"message"`
	Signature    string `json:"signature"`
	ReferralCode string `json:"referralCode"`
}

// VerifyResponse 是 /auth/verify 的成功响应。
type VerifyResponse struct {
	User        User   `json:"user"`
	AccessToken string `json:"accessToken"`
}

// InitiateMatchRequest 是 /matchmaking/initiate 的请求体。
type InitiateMatchRequest struct {
	UserID        int64       `json:"userId"`
	AgentID       int64       `json:"agentId"`
	EntryFees     json.Number `json:"entryFees"`
	SessionTypeID int64       `json:"sessionTypeId"`
}
