package auth

import (
	"time"

	"fractal-arena/internal/fractal"
)

// State 描述登录流程所处阶段。
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateNonceRequested  State = "NONCE_REQUESTED"
	StateSigned          State = "SIGNED"
	StateVerified        State = "VERIFIED"
)

// Session 是一次成功登录得到的会话，在钱包工作协程的生命周期内复用。
type Session struct {
	User     fractal.User
	Token    string
	IssuedAt time.Time
}

// Valid 判断会话是否可用。
func (s *Session) Valid() bool {
	return s != nil && s.Token != ""
}
