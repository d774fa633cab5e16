// Package ledger 外部只追加账本的边界：写入路径（签名、重试、死信升级）与读取路径（限流、分页、核验状态）
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"custodychain/pkg/httputil"
)

// 账本错误码
const (
	CodeNetworkTimeout     = "NETWORK_TIMEOUT"
	CodeNetworkError       = "NETWORK_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRequestRejected    = "REQUEST_REJECTED"
	CodeRequestCancelled   = "REQUEST_CANCELLED"
	CodeUnknown            = "UNKNOWN_ERROR"
)

// Error 账本调用失败，Retryable 决定是否进入退避重试
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger %s: %s", e.Code, e.Message)
}

// Classify 将任意错误归类为 *Error；nil 返回 nil
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var le *Error
	if errors.As(err, &le) {
		return le
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeNetworkTimeout, Message: err.Error(), Retryable: true}
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeRequestCancelled, Message: err.Error(), Retryable: false}
	}

	if status := httputil.StatusCodeOf(err); status != 0 {
		return classifyStatus(status, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: CodeNetworkTimeout, Message: err.Error(), Retryable: true}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &Error{Code: CodeNetworkError, Message: err.Error(), Retryable: true}
	}

	return &Error{Code: CodeUnknown, Message: err.Error(), Retryable: false}
}

func classifyStatus(status int, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimited, Message: err.Error(), Retryable: true}
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return &Error{Code: CodeNetworkTimeout, Message: err.Error(), Retryable: true}
	case status >= 500:
		return &Error{Code: CodeServiceUnavailable, Message: err.Error(), Retryable: true}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Code: CodeInvalidPayload, Message: err.Error(), Retryable: false}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: CodeUnauthorized, Message: err.Error(), Retryable: false}
	default:
		return &Error{Code: CodeRequestRejected, Message: err.Error(), Retryable: false}
	}
}

// IsRetryable 供 retry.Manager 使用
func IsRetryable(err error) bool {
	le := Classify(err)
	return le != nil && le.Retryable
}
