package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/meta"
)

func newTestRunner(t *testing.T) (*Runner, meta.Store) {
	mr := miniredis.RunT(t)
	store, err := meta.NewRedisStore("redis", mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewRunner(store, 2)
	t.Cleanup(r.Close)
	return r, store
}

func waitCompleted(t *testing.T, r *Runner, id int64) *meta.Async {
	var rec *meta.Async
	require.Eventually(t, func() bool {
		var err error
		rec, err = r.Poll(context.Background(), id)
		return err == nil && rec.Completed
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestRunnerCompletesWithResult(t *testing.T) {
	r, _ := newTestRunner(t)

	id, err := r.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return map[string]int{"stored": 1}, nil
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	rec := waitCompleted(t, r, id)
	assert.False(t, rec.WasError)
	assert.JSONEq(t, `{"stored":1}`, rec.Result)
}

func TestRunnerRecordsErrorWithType(t *testing.T) {
	r, _ := newTestRunner(t)

	id, err := r.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("backend unreachable")
	})
	require.NoError(t, err)

	rec := waitCompleted(t, r, id)
	assert.True(t, rec.WasError)
	assert.Contains(t, rec.Error, "backend unreachable")
	// The error message carries the concrete error type.
	assert.Contains(t, rec.Error, "*errors.errorString")
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	r, _ := newTestRunner(t)

	id, err := r.Submit(context.Background(), func(ctx context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	rec := waitCompleted(t, r, id)
	assert.True(t, rec.WasError)
	assert.Contains(t, rec.Error, "panic: boom")
}

func TestRunnerPollDoesNotBlock(t *testing.T) {
	r, _ := newTestRunner(t)

	release := make(chan struct{})
	id, err := r.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	rec, err := r.Poll(context.Background(), id)
	assert.NoError(t, err)
	assert.False(t, rec.Completed)

	close(release)
	rec = waitCompleted(t, r, id)
	assert.Equal(t, `"done"`, rec.Result)
}

func TestRunnerCloseDrainsQueued(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := meta.NewRedisStore("redis", mr.Addr()+"/0")
	require.NoError(t, err)
	defer store.Close()

	r := NewRunner(store, 1)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := r.Submit(context.Background(), func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	r.Close()

	for _, id := range ids {
		rec, err := store.GetAsync(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, rec.Completed, "task %d should be completed after Close", id)
	}
}
