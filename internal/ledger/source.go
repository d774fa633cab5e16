package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"custodychain/pkg/httputil"
)

// Record 账本原始记录
type Record struct {
	Timestamp      string `json:"timestamp"`
	TopicID        string `json:"topicId"`
	MessageBase64  string `json:"messageBase64"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// MessagePage 一页记录，NextCursor 为空表示没有更多
type MessagePage struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Source 分页读取账本消息（按时间倒序）
type Source interface {
	ListMessages(ctx context.Context, topicID, cursor string, limit int) (*MessagePage, error)
}

// HTTPSource 账本镜像节点 REST 接口
type HTTPSource struct {
	client  *httputil.Client
	baseURL string
}

// NewHTTPSource 创建 HTTP 读取源
func NewHTTPSource(client *httputil.Client, baseURL string) *HTTPSource {
	return &HTTPSource{client: client, baseURL: baseURL}
}

// ListMessages GET {base}/api/v1/topics/{topic}/messages?limit=&order=desc[&cursor=]
func (s *HTTPSource) ListMessages(ctx context.Context, topicID, cursor string, limit int) (*MessagePage, error) {
	endpoint, err := url.JoinPath(s.baseURL, "api/v1/topics", topicID, "messages")
	if err != nil {
		return nil, &Error{Code: CodeInvalidPayload, Message: fmt.Sprintf("invalid ledger url: %v", err)}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "desc")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page MessagePage
	if err := s.client.GetJSON(ctx, endpoint+"?"+q.Encode(), &page); err != nil {
		return nil, Classify(err)
	}
	return &page, nil
}

// ParseTimestamp 解析账本时间戳，支持 RFC3339 与 "秒.纳秒" 两种格式
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	secPart, nanoPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	var nanos int64
	if nanoPart != "" {
		if len(nanoPart) > 9 {
			nanoPart = nanoPart[:9]
		}
		nanoPart += strings.Repeat("0", 9-len(nanoPart))
		nanos, err = strconv.ParseInt(nanoPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}
