package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"custodychain/pkg/httputil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"截止时间", fmt.Errorf("submit: %w", context.DeadlineExceeded), CodeNetworkTimeout, true},
		{"取消", context.Canceled, CodeRequestCancelled, false},
		{"限流", &httputil.StatusError{StatusCode: http.StatusTooManyRequests}, CodeRateLimited, true},
		{"服务不可用", &httputil.StatusError{StatusCode: http.StatusServiceUnavailable}, CodeServiceUnavailable, true},
		{"网关超时", &httputil.StatusError{StatusCode: http.StatusGatewayTimeout}, CodeNetworkTimeout, true},
		{"非法载荷", &httputil.StatusError{StatusCode: http.StatusUnprocessableEntity}, CodeInvalidPayload, false},
		{"未授权", &httputil.StatusError{StatusCode: http.StatusForbidden}, CodeUnauthorized, false},
		{"连接失败", &url.Error{Op: "Post", URL: "http://ledger", Err: errors.New("connection refused")}, CodeNetworkError, true},
		{"未知", errors.New("weird"), CodeUnknown, false},
		{"已归类", &Error{Code: "CUSTOM", Retryable: true}, "CUSTOM", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			le := Classify(tt.err)
			assert.Equal(t, tt.code, le.Code)
			assert.Equal(t, tt.retryable, le.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestSigners(t *testing.T) {
	payload := []byte(`{"entityId":"batch-1"}`)

	a, err := DigestSigner{}.Sign(payload)
	assert.NoError(t, err)
	b, _ := DigestSigner{}.Sign(payload)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, _ := DigestSigner{}.Sign([]byte(`{"entityId":"batch-2"}`))
	assert.NotEqual(t, a, c)

	keyed, err := KeyedDigestSigner{Key: []byte("secret")}.Sign(payload)
	assert.NoError(t, err)
	assert.Len(t, keyed, 64)
	assert.NotEqual(t, a, keyed)
}
