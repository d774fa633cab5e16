package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"custodychain/pkg/httputil"
)

// Receipt 账本写入回执
// Timestamp 是共识时间，网关回执中可能缺失；确认时间以读取路径为准
type Receipt struct {
	MessageID      string     `json:"messageId"`
	SequenceNumber int64      `json:"sequenceNumber,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// Writer 外部账本写入能力：追加一条已签名的记录
type Writer interface {
	Submit(ctx context.Context, entityID string, payload []byte, signature string) (*Receipt, error)
}

// HTTPWriter 通过账本网关 REST 接口写入
type HTTPWriter struct {
	client  *httputil.Client
	baseURL string
	topicID string
	timeout time.Duration
}

// NewHTTPWriter 创建 HTTP 写入器；timeout 为单次提交的截止时间
func NewHTTPWriter(client *httputil.Client, baseURL, topicID string, timeout time.Duration) *HTTPWriter {
	return &HTTPWriter{
		client:  client,
		baseURL: baseURL,
		topicID: topicID,
		timeout: timeout,
	}
}

type submitRequest struct {
	EntityID  string `json:"entityId"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type submitResponse struct {
	MessageID          string `json:"messageId"`
	SequenceNumber     int64  `json:"sequenceNumber"`
	ConsensusTimestamp string `json:"consensusTimestamp"`
}

// Submit 提交记录；签名同时作为 Idempotency-Key，重复提交同一载荷不会产生重复记录
func (w *HTTPWriter) Submit(ctx context.Context, entityID string, payload []byte, signature string) (*Receipt, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	endpoint, err := url.JoinPath(w.baseURL, "api/v1/topics", w.topicID, "messages")
	if err != nil {
		return nil, &Error{Code: CodeInvalidPayload, Message: fmt.Sprintf("invalid ledger url: %v", err)}
	}

	req := submitRequest{
		EntityID:  entityID,
		Message:   base64.StdEncoding.EncodeToString(payload),
		Signature: signature,
	}
	var resp submitResponse
	headers := map[string]string{"Idempotency-Key": signature}
	if err := w.client.PostJSON(ctx, endpoint, headers, req, &resp); err != nil {
		return nil, Classify(err)
	}
	if resp.MessageID == "" {
		return nil, &Error{Code: CodeUnknown, Message: "ledger receipt missing messageId"}
	}

	receipt := &Receipt{MessageID: resp.MessageID, SequenceNumber: resp.SequenceNumber}
	if resp.ConsensusTimestamp != "" {
		if ts, err := ParseTimestamp(resp.ConsensusTimestamp); err == nil {
			receipt.Timestamp = &ts
		}
	}
	return receipt, nil
}
