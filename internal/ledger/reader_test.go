package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"custodychain/internal/audit"
	"custodychain/internal/retry"
	"custodychain/pkg/httputil"
)

type pagedSource struct {
	mu    sync.Mutex
	pages map[string]*MessagePage
	calls int
	errs  []error
}

func (s *pagedSource) ListMessages(_ context.Context, _ string, cursor string, _ int) (*MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if p, ok := s.pages[cursor]; ok {
		return p, nil
	}
	return &MessagePage{}, nil
}

func encodeEvent(t *testing.T, entityID string, ev audit.EventType, ts time.Time, seq int64) Record {
	t.Helper()
	data, err := json.Marshal(audit.Record{EntityID: entityID, EventType: ev, Actor: "0xactor", Timestamp: ts})
	require.NoError(t, err)
	return Record{
		Timestamp:      fmt.Sprintf("%d.%09d", ts.Unix(), ts.Nanosecond()),
		TopicID:        "0.0.42",
		MessageBase64:  base64.StdEncoding.EncodeToString(data),
		SequenceNumber: seq,
	}
}

func newTestReader(t *testing.T, src Source, opts ReaderOptions) *Reader {
	m := retry.NewManager("ledger_read", retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		zaptest.NewLogger(t), retry.WithSleeper(noSleep))
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 1000
		opts.Burst = 100
	}
	return NewReader(src, opts, m, zaptest.NewLogger(t))
}

func TestEntityVerification_Statuses(t *testing.T) {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	src := &pagedSource{pages: map[string]*MessagePage{
		"": {
			Records: []Record{
				encodeEvent(t, "batch-v", audit.EventTransformRecorded, base.Add(2*time.Hour), 5),
				encodeEvent(t, "batch-p", audit.EventOriginRecorded, base.Add(time.Hour), 4),
				{Timestamp: "1.0", MessageBase64: "%%%not-base64", SequenceNumber: 3},
			},
			NextCursor: "c2",
		},
		"c2": {
			Records: []Record{
				encodeEvent(t, "batch-v", audit.EventVerified, base.Add(30*time.Minute), 2),
				encodeEvent(t, "batch-v", audit.EventOriginRecorded, base, 1),
			},
		},
	}}
	r := newTestReader(t, src, ReaderOptions{TopicID: "0.0.42", MaxPages: 5})
	ctx := context.Background()

	v, err := r.EntityVerification(ctx, "batch-v")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, v.Status, "verified 事件不在首位也应判定为已核验")
	require.Len(t, v.Events, 3)
	assert.Equal(t, audit.EventTransformRecorded, v.Events[0].EventType)
	require.NotNil(t, v.LastUpdated)
	assert.True(t, base.Add(2*time.Hour).Equal(*v.LastUpdated))

	p, err := r.EntityVerification(ctx, "batch-p")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)

	n, err := r.EntityVerification(ctx, "batch-none")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, n.Status)
	assert.Empty(t, n.Events)
	assert.Nil(t, n.LastUpdated)
}

func TestReader_MaxPages(t *testing.T) {
	src := &pagedSource{pages: map[string]*MessagePage{
		"":   {NextCursor: "c1"},
		"c1": {NextCursor: "c2"},
		"c2": {NextCursor: "c3"},
	}}
	r := newTestReader(t, src, ReaderOptions{MaxPages: 2})

	_, err := r.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestReader_RetriesTransientErrors(t *testing.T) {
	src := &pagedSource{errs: []error{
		&Error{Code: CodeServiceUnavailable, Retryable: true},
		&Error{Code: CodeRateLimited, Retryable: true},
	}}
	r := newTestReader(t, src, ReaderOptions{MaxPages: 1})

	_, err := r.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestReader_SurfacesErrorAfterRetries(t *testing.T) {
	src := &pagedSource{errs: []error{
		&Error{Code: CodeServiceUnavailable, Retryable: true},
		&Error{Code: CodeServiceUnavailable, Retryable: true},
		&Error{Code: CodeServiceUnavailable, Retryable: true},
	}}
	r := newTestReader(t, src, ReaderOptions{MaxPages: 1})

	_, err := r.EntityVerification(context.Background(), "batch-1")
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, src.calls)
}

func TestReader_RateLimitDelaysInsteadOfDropping(t *testing.T) {
	const n = 5
	src := &pagedSource{}
	r := newTestReader(t, src, ReaderOptions{RequestsPerSecond: n, Burst: n, MaxPages: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < n+1; i++ {
		_, err := r.Records(ctx)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.Equal(t, n+1, src.calls, "超额请求应被延迟而不是丢弃")
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestReader_RateLimitHonoursContext(t *testing.T) {
	src := &pagedSource{}
	r := newTestReader(t, src, ReaderOptions{RequestsPerSecond: 0.1, Burst: 1, MaxPages: 1})

	_, err := r.Records(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Records(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestHTTPSource_Pagination(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/v1/topics/0.0.42/messages", r.URL.Path)
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		switch r.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(MessagePage{
				Records:    []Record{{Timestamp: "2.0", SequenceNumber: 2}},
				NextCursor: "next",
			})
		case "next":
			_ = json.NewEncoder(w).Encode(MessagePage{
				Records: []Record{{Timestamp: "1.0", SequenceNumber: 1}},
			})
		default:
			http.Error(w, "bad cursor", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	src := NewHTTPSource(httputil.NewClient(), server.URL)
	r := newTestReader(t, src, ReaderOptions{TopicID: "0.0.42", PageSize: 50, MaxPages: 5})

	records, err := r.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].SequenceNumber)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPSource_ServiceUnavailableIsRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(MessagePage{Records: []Record{{Timestamp: strconv.Itoa(1), SequenceNumber: 1}}})
	}))
	defer server.Close()

	r := newTestReader(t, NewHTTPSource(httputil.NewClient(), server.URL), ReaderOptions{TopicID: "t", MaxPages: 1})
	records, err := r.Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), hits.Load())
}
