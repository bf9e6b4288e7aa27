package tasks_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/store/storetest"
	"github.com/ethpandaops/squad/pkg/tasks"
)

func newWorker(t *testing.T, maxAttempts int) (tasks.Queue, tasks.Worker, func(string) int) {
	t.Helper()

	s := storetest.New(t)
	q := tasks.NewQueue(storetest.Logger(), s)
	w := tasks.NewWorker(storetest.Logger(), &config.WorkerConfig{
		Concurrency:     2,
		MaxTaskAttempts: maxAttempts,
	}, s)

	queued := func(name string) int {
		rows, err := s.ListTasks(context.Background(), name)
		require.NoError(t, err)

		return len(rows)
	}

	return q, w, queued
}

func TestWorker_RunsRegisteredHandler(t *testing.T) {
	q, w, queued := newWorker(t, 3)
	ctx := context.Background()

	var got []uint

	w.Register(tasks.UpdateProjectStatus, tasks.IDHandler(func(_ context.Context, id uint) error {
		got = append(got, id)

		return nil
	}))

	require.NoError(t, q.Enqueue(ctx, tasks.UpdateProjectStatus, tasks.IDArgs{ID: 7}))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, []uint{7}, got)
	assert.Equal(t, 0, queued(""))
}

func TestWorker_CountdownDelaysTask(t *testing.T) {
	q, w, queued := newWorker(t, 3)
	ctx := context.Background()

	var calls atomic.Int32

	w.Register(tasks.NotificationTimeout, tasks.IDHandler(func(context.Context, uint) error {
		calls.Add(1)

		return nil
	}))

	require.NoError(t, q.Enqueue(ctx, tasks.NotificationTimeout, tasks.IDArgs{ID: 1},
		tasks.WithCountdown(time.Hour)))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 1, queued(tasks.NotificationTimeout))
}

func TestWorker_KeyDeduplicatesQueuedTasks(t *testing.T) {
	q, _, queued := newWorker(t, 3)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, q.Enqueue(ctx, tasks.NotifyProjectStatus, tasks.IDArgs{ID: 4},
			tasks.WithKey("4"), tasks.WithCountdown(time.Minute)))
	}

	require.NoError(t, q.Enqueue(ctx, tasks.NotifyProjectStatus, tasks.IDArgs{ID: 5},
		tasks.WithKey("5"), tasks.WithCountdown(time.Minute)))

	assert.Equal(t, 2, queued(tasks.NotifyProjectStatus))
}

func TestWorker_FailingTaskIsRescheduled(t *testing.T) {
	q, w, queued := newWorker(t, 3)
	ctx := context.Background()

	w.Register(tasks.CIFetch, tasks.IDHandler(func(context.Context, uint) error {
		return errors.New("boom")
	}))

	require.NoError(t, q.Enqueue(ctx, tasks.CIFetch, tasks.IDArgs{ID: 1}))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, 1, queued(tasks.CIFetch))
}

func TestWorker_DropsTaskAfterMaxAttempts(t *testing.T) {
	q, w, queued := newWorker(t, 1)
	ctx := context.Background()

	w.Register(tasks.CIFetch, tasks.IDHandler(func(context.Context, uint) error {
		return errors.New("boom")
	}))

	require.NoError(t, q.Enqueue(ctx, tasks.CIFetch, tasks.IDArgs{ID: 1}))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, 0, queued(tasks.CIFetch))
}

func TestWorker_RetryIgnoresAttemptCap(t *testing.T) {
	q, w, queued := newWorker(t, 1)
	ctx := context.Background()

	w.Register(tasks.CIFetch, tasks.IDHandler(func(context.Context, uint) error {
		return tasks.Retry(errors.New("busy"), time.Hour)
	}))

	require.NoError(t, q.Enqueue(ctx, tasks.CIFetch, tasks.IDArgs{ID: 1}))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, 1, queued(tasks.CIFetch))
}

func TestWorker_UnknownTaskIsDropped(t *testing.T) {
	q, w, queued := newWorker(t, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "nobody.handles.this", tasks.IDArgs{ID: 1}))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, 0, queued(""))
}

func TestWorker_PanicIsTreatedAsFailure(t *testing.T) {
	q, w, queued := newWorker(t, 3)
	ctx := context.Background()

	w.Register(tasks.PrepareReport, tasks.IDHandler(func(context.Context, uint) error {
		panic("unexpected")
	}))

	require.NoError(t, q.Enqueue(ctx, tasks.PrepareReport, tasks.IDArgs{ID: 1}))
	require.NoError(t, w.RunPending(ctx))

	assert.Equal(t, 1, queued(tasks.PrepareReport))
}

func TestRecorder(t *testing.T) {
	r := tasks.NewRecorder()
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, tasks.CIFetch, tasks.IDArgs{ID: 3}))
	require.NoError(t, r.Enqueue(ctx, tasks.NotifyProjectStatus, tasks.IDArgs{ID: 9},
		tasks.WithKey("9"), tasks.WithCountdown(time.Minute)))
	require.NoError(t, r.Enqueue(ctx, tasks.NotifyProjectStatus, tasks.IDArgs{ID: 9},
		tasks.WithKey("9")))

	assert.Len(t, r.Tasks(""), 2)

	notify := r.Tasks(tasks.NotifyProjectStatus)
	require.Len(t, notify, 1)
	assert.Equal(t, uint(9), notify[0].ID())
	assert.Equal(t, time.Minute, notify[0].Countdown)

	r.Reset()
	assert.Empty(t, r.Tasks(""))
}

func TestRetryError(t *testing.T) {
	base := errors.New("busy")
	err := tasks.Retry(base, 30*time.Second)

	re, ok := tasks.AsRetry(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, re.Countdown)
	assert.ErrorIs(t, err, base)

	_, ok = tasks.AsRetry(base)
	assert.False(t, ok)
}
