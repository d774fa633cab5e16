package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"custodychain/internal/audit"
	"custodychain/internal/cache"
	"custodychain/internal/ledger"
	"custodychain/internal/metrics"
	"custodychain/pkg/types"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (d *fakeDeliverer) Deliver(_ context.Context, entityID string, _ []byte) (*ledger.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	return &ledger.Receipt{MessageID: "msg-" + entityID}, nil
}

type fakeScheduler struct {
	ids        []string
	priorities []string
}

func (s *fakeScheduler) EnqueueReplay(_ context.Context, id, priority string) error {
	s.ids = append(s.ids, id)
	s.priorities = append(s.priorities, priority)
	return nil
}

type fixture struct {
	handler   *Handler
	queue     *RedisQueue
	deliverer *fakeDeliverer
	mr        *miniredis.Miniredis
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		queue:     NewRedisQueue(rdb, "deadletter:records"),
		deliverer: &fakeDeliverer{},
		mr:        mr,
		now:       time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	f.handler = NewHandler(f.queue, f.deliverer, cache.NewRedisStore(rdb, ""), Options{}, zaptest.NewLogger(t))
	f.handler.now = func() time.Time { return f.now }
	return f
}

func payloadFor(t *testing.T, entityID string, ev audit.EventType, role types.Role) []byte {
	t.Helper()
	data, err := (&audit.Record{
		EntityID:      entityID,
		EventType:     ev,
		Role:          role,
		CorrelationID: "corr-" + entityID,
		Result:        audit.ResultApproved,
	}).Marshal()
	require.NoError(t, err)
	return data
}

var networkErr = &ledger.Error{Code: ledger.CodeNetworkError, Message: "connection reset", Retryable: true}

func TestCategorize(t *testing.T) {
	tests := map[string]Category{
		"NETWORK_TIMEOUT":     CategoryNetwork,
		"NETWORK_ERROR":       CategoryNetwork,
		"connection_refused":  CategoryNetwork,
		"RATE_LIMITED":        CategoryRateLimit,
		"INVALID_PAYLOAD":     CategoryValidation,
		"SERVICE_UNAVAILABLE": CategoryService,
		"INTERNAL_ERROR":      CategoryService,
		"UNKNOWN_ERROR":       CategoryUnknown,
		"":                    CategoryUnknown,
	}
	for code, want := range tests {
		assert.Equal(t, want, Categorize(code), code)
	}
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityFor(audit.EventVerified, types.RoleVerify))
	assert.Equal(t, PriorityHigh, PriorityFor(audit.EventOriginRecorded, types.RoleOrigin))
	assert.Equal(t, PriorityMedium, PriorityFor(audit.EventTransformRecorded, types.RoleTransform))
	assert.Equal(t, PriorityLow, PriorityFor(audit.EventActionRejected, types.RoleVerify))
	assert.Equal(t, PriorityCritical, PriorityFor("", types.RoleVerify))
	assert.Equal(t, PriorityLow, PriorityFor("", ""))
}

func TestRecordFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "batch-1", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	require.NoError(t, err)

	rec, err := f.handler.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", rec.EntityID)
	assert.Equal(t, CategoryNetwork, rec.Category)
	assert.Equal(t, PriorityHigh, rec.Priority)
	assert.Equal(t, 0, rec.RetryAttempts)
	assert.Equal(t, ledger.CodeNetworkError, rec.LastError.Code)
	assert.True(t, f.now.Equal(rec.FirstFailedAt))

	assert.True(t, f.mr.Exists("deadletter:records"))
}

func TestRecordFailure_ConcurrentAppendsNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 25
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = payloadFor(t, fmt.Sprintf("batch-%d", i), audit.EventTransformRecorded, types.RoleTransform)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := f.handler.RecordFailure(ctx, payloads[i], networkErr)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := f.queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func TestManualRetry_SuccessRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "batch-2", audit.EventVerified, types.RoleVerify), networkErr)
	require.NoError(t, err)

	res, err := f.handler.ManualRetry(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "msg-batch-2", res.Receipt.MessageID)

	_, err = f.handler.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.mr.Exists("deadletter:records:lock:"+id), "锁应释放")
}

func TestManualRetry_FailureIncrementsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "batch-3", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	f.deliverer.errs = []error{&ledger.Error{Code: ledger.CodeRateLimited, Message: "slow down", Retryable: true}}

	res, err := f.handler.ManualRetry(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.RetryAttempts)
	assert.Equal(t, ledger.CodeRateLimited, res.Error.Code)

	rec, err := f.handler.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryAttempts)
	assert.Equal(t, ledger.CodeRateLimited, rec.LastError.Code)
	assert.Equal(t, CategoryRateLimit, rec.Category)
	require.NotNil(t, rec.LastRetryAt)
	assert.True(t, f.now.Equal(*rec.LastRetryAt))

	// 再失败一次，次数恰好再加一
	f.deliverer.errs = []error{networkErr}
	res, err = f.handler.ManualRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RetryAttempts)
}

func TestManualRetry_NotFoundAndLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.handler.ManualRetry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "batch-4", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	require.NoError(t, err)

	unlock, err := f.queue.Lock(ctx, id, time.Minute)
	require.NoError(t, err)
	_, err = f.handler.ManualRetry(ctx, id)
	assert.ErrorIs(t, err, ErrLocked)
	unlock()

	_, err = f.handler.ManualRetry(ctx, id)
	assert.NoError(t, err)
}

func TestMarkReviewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "batch-5", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	require.NoError(t, err)

	rec, err := f.handler.MarkReviewed(ctx, id, "ledger outage on 07-01")
	require.NoError(t, err)
	assert.True(t, rec.Reviewed)
	assert.Equal(t, "ledger outage on 07-01", rec.ReviewNotes)

	// 审阅后仍可重放
	res, err := f.handler.ManualRetry(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = f.handler.MarkReviewed(ctx, id, "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_FilterSortPaginate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, _ := f.handler.RecordFailure(ctx, payloadFor(t, "e-low", audit.EventActionRejected, types.RoleOrigin), networkErr)
	f.now = f.now.Add(time.Minute)
	high1, _ := f.handler.RecordFailure(ctx, payloadFor(t, "e-high", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	f.now = f.now.Add(time.Minute)
	crit, _ := f.handler.RecordFailure(ctx, payloadFor(t, "e-crit", audit.EventVerified, types.RoleVerify),
		&ledger.Error{Code: ledger.CodeServiceUnavailable, Retryable: true})
	f.now = f.now.Add(time.Minute)
	high2, _ := f.handler.RecordFailure(ctx, payloadFor(t, "e-high", audit.EventOriginRecorded, types.RoleOrigin), networkErr)

	page, err := f.handler.List(ctx, Filter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(page.Items))
	for _, r := range page.Items {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{crit, high2, high1, low}, ids)
	assert.Equal(t, int64(4), page.Pagination.Total)
	assert.Equal(t, 20, page.Pagination.PageSize)

	byEntity, err := f.handler.List(ctx, Filter{EntityID: "e-high"})
	require.NoError(t, err)
	assert.Len(t, byEntity.Items, 2)

	byCategory, err := f.handler.List(ctx, Filter{Category: CategoryService})
	require.NoError(t, err)
	require.Len(t, byCategory.Items, 1)
	assert.Equal(t, crit, byCategory.Items[0].ID)

	_, err = f.handler.MarkReviewed(ctx, low, "")
	require.NoError(t, err)
	reviewed := true
	onlyReviewed, err := f.handler.List(ctx, Filter{Reviewed: &reviewed})
	require.NoError(t, err)
	require.Len(t, onlyReviewed.Items, 1)
	assert.Equal(t, low, onlyReviewed.Items[0].ID)

	paged, err := f.handler.List(ctx, Filter{PaginationRequest: types.PaginationRequest{Page: 2, PageSize: 3}})
	require.NoError(t, err)
	require.Len(t, paged.Items, 1)
	assert.Equal(t, low, paged.Items[0].ID)
	assert.Equal(t, 2, paged.Pagination.TotalPages)
}

func TestStatistics_WindowAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldID, err := f.handler.RecordFailure(ctx, payloadFor(t, "old", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Hour)
	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "new", audit.EventVerified, types.RoleVerify), networkErr)
	require.NoError(t, err)
	_, err = f.handler.RecordFailure(ctx, payloadFor(t, "new2", audit.EventTransformRecorded, types.RoleTransform),
		&ledger.Error{Code: ledger.CodeInvalidPayload})
	require.NoError(t, err)

	f.deliverer.errs = []error{networkErr, networkErr}
	_, err = f.handler.ManualRetry(ctx, id)
	require.NoError(t, err)
	// 窗口按首次失败时间计算，窗口内的重放不会把旧记录拉回窗口
	_, err = f.handler.ManualRetry(ctx, oldID)
	require.NoError(t, err)

	stats, err := f.handler.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total, "24 小时窗口外的记录不计入")
	assert.Equal(t, 3, stats.QueueDepth)
	assert.Equal(t, 1, stats.ByCategory[CategoryNetwork])
	assert.Equal(t, 1, stats.ByCategory[CategoryValidation])
	assert.Equal(t, 1, stats.ByErrorCode[ledger.CodeInvalidPayload])
	assert.Equal(t, 1, stats.ByPriority[PriorityCritical])
	assert.InDelta(t, 0.5, stats.AverageRetryAttempts, 1e-9)
	assert.True(t, f.mr.Exists(statsCacheKey))

	// 积压指标覆盖全部记录
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeadLetterRecords.WithLabelValues(string(PriorityHigh))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeadLetterRecords.WithLabelValues(string(PriorityCritical))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DeadLetterRecords.WithLabelValues(string(PriorityLow))))

	// 缓存命中：新增记录前统计不变
	cached, err := f.handler.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Total, cached.Total)

	// 变更会使缓存失效
	_, err = f.handler.RecordFailure(ctx, payloadFor(t, "new3", audit.EventOriginRecorded, types.RoleOrigin), networkErr)
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(statsCacheKey))
	fresh, err := f.handler.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.Total)
}

func TestScheduleRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.handler.ScheduleRetry(ctx, "x")
	assert.ErrorIs(t, err, ErrNoScheduler)

	s := &fakeScheduler{}
	f.handler.SetScheduler(s)
	id, err := f.handler.RecordFailure(ctx, payloadFor(t, "batch-s", audit.EventVerified, types.RoleVerify), networkErr)
	require.NoError(t, err)

	_, err = f.handler.ScheduleRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, s.ids)
	assert.Equal(t, []string{"critical"}, s.priorities)

	_, err = f.handler.ScheduleRetry(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
