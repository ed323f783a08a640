package errors

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志与事件分级。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeTransientInfra  Code = "TRANSIENT_INFRA"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeAuthentication  Code = "AUTHENTICATION_FAILED"
	CodeGasEstimation   Code = "GAS_ESTIMATION_FAILED"
	CodeNoAgents        Code = "NO_AGENTS"
	CodeBackendRejected Code = "BACKEND_REJECTED"
	CodeTransport       Code = "TRANSPORT_FAILURE"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeChainFailure    Code = "CHAIN_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:         {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument: {Message: "invalid argument", Severity: SeverityInfo},
		CodeTransientInfra:  {Message: "upstream temporarily unavailable", Severity: SeverityWarning, Retryable: true},
		CodeRateLimited:     {Message: "rate limited", Severity: SeverityInfo, Retryable: true},
		CodeQuotaExceeded:   {Message: "hourly session quota exceeded", Severity: SeverityInfo, Retryable: true},
		CodeAuthentication:  {Message: "authentication failed", Severity: SeverityCritical},
		CodeGasEstimation:   {Message: "gas estimation failed", Severity: SeverityWarning},
		CodeNoAgents:        {Message: "no agents available", Severity: SeverityWarning, Retryable: true},
		CodeBackendRejected: {Message: "backend rejected request", Severity: SeverityWarning},
		CodeTransport:       {Message: "transport failure", Severity: SeverityWarning, Retryable: true},
		CodeStorageFailure:  {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
		CodeChainFailure:    {Message: "chain interaction failed", Severity: SeverityWarning},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	status    int
	metadata  map[string]string
	retryable *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithStatus 记录触发错误的 HTTP 状态码。
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata["status"] = strconv.Itoa(status)
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Status 返回关联的 HTTP 状态码，没有时为 0。
func (e *Error) Status() int {
	if e == nil {
		return 0
	}
	return e.status
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// StatusOf 返回错误链中记录的 HTTP 状态码。
func StatusOf(err error) int {
	if e, ok := From(err); ok {
		return e.Status()
	}
	return 0
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// 常用哨兵错误，配合 errors.Is 按错误码比较。
var (
	ErrNoAgents       = New(CodeNoAgents, "")
	ErrQuotaExceeded  = New(CodeQuotaExceeded, "")
	ErrRateLimited    = New(CodeRateLimited, "")
	ErrAuthentication = New(CodeAuthentication, "")
	ErrTransientInfra = New(CodeTransientInfra, "")
)
