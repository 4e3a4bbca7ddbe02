package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/logging"
)

func claimOne(t *testing.T, q *Queue) *domain.Job {
	t.Helper()
	job, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestRunInvokesHandlerAndCompletes(t *testing.T) {
	q, store, _ := newTestQueue(t)
	pool := NewPool(q, 1)
	ran := false
	pool.Register("greet", func(_ context.Context, job *domain.Job) (any, error) {
		ran = true
		return map[string]string{"hello": "world"}, nil
	})

	id, err := q.Enqueue(context.Background(), "greet", nil, domain.PriorityNormal)
	require.NoError(t, err)
	pool.run(context.Background(), logging.Component("test"), claimOne(t, q))

	assert.True(t, ran)
	assert.Equal(t, 0, store.processingCount())
	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestRunFailureGoesThroughRetryPolicy(t *testing.T) {
	q, _, _ := newTestQueue(t)
	pool := NewPool(q, 1)
	pool.Register("flaky", func(context.Context, *domain.Job) (any, error) {
		return nil, errs.E(errs.ExchangeTransient, "venue hiccup")
	})

	id, err := q.Enqueue(context.Background(), "flaky", nil, domain.PriorityNormal)
	require.NoError(t, err)
	pool.run(context.Background(), logging.Component("test"), claimOne(t, q))

	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestRunTimeoutFailsJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	pool := NewPool(q, 1)
	pool.Register("stuck", func(ctx context.Context, _ *domain.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.Enqueue(context.Background(), "stuck", nil, domain.PriorityNormal)
	require.NoError(t, err)
	job := claimOne(t, q)
	job.TimeoutSecs = 1

	start := time.Now()
	pool.run(context.Background(), logging.Component("test"), job)
	assert.Less(t, time.Since(start), 5*time.Second)

	stored, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, stored.Status)
	assert.Contains(t, stored.Error, "exceeded")
}

func TestRunUnknownHandlerDeadLettersImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t)
	pool := NewPool(q, 1)

	_, err := q.Enqueue(context.Background(), "nobody-home", nil, domain.PriorityNormal)
	require.NoError(t, err)
	pool.run(context.Background(), logging.Component("test"), claimOne(t, q))

	dead, err := q.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "nobody-home", dead[0].Name)
}

func TestRunHandlerPanicIsAFailure(t *testing.T) {
	q, _, _ := newTestQueue(t)
	pool := NewPool(q, 1)
	pool.Register("kaboom", func(context.Context, *domain.Job) (any, error) {
		panic("boom")
	})

	id, err := q.Enqueue(context.Background(), "kaboom", nil, domain.PriorityNormal)
	require.NoError(t, err)
	pool.run(context.Background(), logging.Component("test"), claimOne(t, q))

	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, job.Status)
	assert.Contains(t, job.Error, "panic")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	pool := NewPool(NewQueue(newMemStore()), 1)
	pool.Register("once", func(context.Context, *domain.Job) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		pool.Register("once", func(context.Context, *domain.Job) (any, error) { return nil, nil })
	})
}

func TestPoolStartIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	pool := NewPool(q, 2)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	pool.Start(ctx)
	cancel()
	pool.Wait()
}
