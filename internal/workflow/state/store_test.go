package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"custodychain/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 0, zaptest.NewLogger(t)), mr
}

func TestStore_GetDefault(t *testing.T) {
	s, _ := newTestStore(t)

	st, err := s.Get(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", st.EntityID)
	assert.Equal(t, StatusInitialized, st.Status)
	assert.Equal(t, 0, st.CurrentStep)
	assert.Empty(t, st.CompletedStages)
}

func TestStore_UpdatePersists(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	updated, err := s.Update(ctx, "batch-1", func(st *WorkflowState) error {
		return st.CompleteStage(types.RoleOrigin, "0xfarm", at)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, StatusInProgress, updated.Status)

	assert.True(t, mr.Exists("workflow:state:batch-1"))
	assert.Equal(t, time.Duration(0), mr.TTL("workflow:state:batch-1"), "状态不应过期")

	got, err := s.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, []types.Role{types.RoleOrigin}, got.CompletedStages)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "0xfarm", got.LastActor)
	assert.True(t, at.Equal(got.StageCompletedAt[types.RoleOrigin]))
	assert.Equal(t, 1, got.StageCompletedStep[types.RoleOrigin])
}

func TestStore_UpdateNoChange(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	st, err := s.Update(ctx, "batch-2", func(*WorkflowState) error { return ErrNoChange })
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, st.Status)
	assert.False(t, mr.Exists("workflow:state:batch-2"))
}

func TestStore_UpdatePropagatesError(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	boom := errors.New("boom")

	_, err := s.Update(ctx, "batch-3", func(*WorkflowState) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("workflow:state:batch-3"))
}

func TestStore_ConcurrentUpdatesSerialized(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "batch-c", func(st *WorkflowState) error {
				st.CurrentStep++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.Get(ctx, "batch-c")
	require.NoError(t, err)
	assert.Equal(t, workers, st.CurrentStep, "并发更新不应丢失")
	assert.Equal(t, int64(workers), st.Version)
}

func TestStore_RetriesOnWatchConflict(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	calls := 0
	st, err := s.Update(ctx, "batch-w", func(st *WorkflowState) error {
		calls++
		if calls == 1 {
			// 模拟另一进程在 WATCH 之后写入
			mr.Set("workflow:state:batch-w", `{"entity_id":"batch-w","current_step":5,"status":"in_progress","version":7}`)
		}
		st.CurrentStep++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 6, st.CurrentStep)
	assert.Equal(t, int64(8), st.Version)
}
