package fractal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Response 是统一后的响应：2xx 一律记为 200，其余保留原始状态码。
type Response struct {
	Status int
	Data   json.RawMessage
}

// OK 判断响应是否成功。
func (r *Response) OK() bool {
	return r != nil && r.Status == 200
}

// Decode 将响应体解析到 v。
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Data) == 0 {
		return fmt.Errorf("响应体为空")
	}
	return json.Unmarshal(r.Data, v)
}

// Field 读取响应体中的顶层字段，不存在时返回 nil。
func (r *Response) Field(name string) json.RawMessage {
	if r == nil || len(r.Data) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r.Data, &obj); err != nil {
		return nil
	}
	raw, ok := obj[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	return raw
}

// ErrorText 返回响应体 error 字段的文本形式。字符串原样返回，对象优先取
// message 字段，否则返回其 JSON。
func (r *Response) ErrorText() string {
	raw := r.Field("error")
	if raw == nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if msg, ok := obj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return string(raw)
}

// Message 返回响应体 message 字段（非 JSON 响应会被包装成该字段）。
func (r *Response) Message() string {
	raw := r.Field("message")
	if raw == nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return string(raw)
	}
	return text
}

// messagePayload 将非 JSON 响应包装为 {"message": text}。
func messagePayload(text string) json.RawMessage {
	encoded, _ := json.Marshal(map[string]string{"message": text})
	return encoded
}

var sessionLimitPattern = regexp.MustCompile(`\(?(\d+)\)?\s+for the hour`)

// FormatErrorMessage 把后端的会话上限提示转换成可读文本，其余原样返回。
func FormatErrorMessage(text string) string {
	if strings.Contains(text, "maximum number of sessions") {
		if m := sessionLimitPattern.FindStringSubmatch(text); m != nil {
			return fmt.Sprintf("Session limit reached: %s sessions per hour", m[1])
		}
	}
	return text
}
