package openai

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// APIError 上游返回的非 2xx 错误
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

// ParseError 响应体无法解析
type ParseError struct {
	Operation string
	Raw       string
	Cause     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("openai: parse %s response: %v", e.Operation, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

var errMissingField = errors.New("missing field")

// ErrResponseTooLarge 响应体超过读取上限
var ErrResponseTooLarge = errors.New("openai: response body too large")

// newAPIError 从错误响应体构造 APIError
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		e.Message = root.Get("error.message").String()
		e.Type = root.Get("error.type").String()
		e.Code = root.Get("error.code").String()
	}
	if e.Message == "" {
		msg := truncateUTF8(string(body), 200, "")
		if msg == "" {
			msg = http.StatusText(status)
		}
		e.Message = msg
	}
	return e
}

// IsRateLimited 上游限流（429）
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsAuth 上游鉴权失败（401/403）
func IsAuth(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}
