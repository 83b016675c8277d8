package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/pkg/logx"
)

func fastConfig() Config {
	return Config{
		Workers:      2,
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func startQueue(t *testing.T, cfg Config, store Store) *Queue {
	t.Helper()
	q := New(cfg, store, logx.Nop())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func jobState(t *testing.T, q *Queue, id string) func() bool {
	return func() bool {
		j, ok, err := q.Get(context.Background(), id)
		return err == nil && ok && j.State.Terminal()
	}
}

func TestEnqueueOnceIsIdempotent(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	var calls atomic.Int32
	q.Handle("send", func(ctx context.Context, j Job) error {
		calls.Add(1)
		return nil
	})

	ctx := context.Background()
	h1, err := q.EnqueueOnce(ctx, "send", map[string]string{"to": "a"}, EnqueueOptions{JobID: "msg-1:send"})
	require.NoError(t, err)
	assert.False(t, h1.Duplicate)

	h2, err := q.EnqueueOnce(ctx, "send", map[string]string{"to": "a"}, EnqueueOptions{JobID: "msg-1:send"})
	require.NoError(t, err)
	assert.True(t, h2.Duplicate)
	assert.Equal(t, h1.ID, h2.ID)

	require.Eventually(t, jobState(t, q, "msg-1:send"), 2*time.Second, 5*time.Millisecond)

	// Completed jobs are retained, so a late replay is still a duplicate.
	h3, err := q.EnqueueOnce(ctx, "send", nil, EnqueueOptions{JobID: "msg-1:send"})
	require.NoError(t, err)
	assert.True(t, h3.Duplicate)
	assert.Equal(t, StateCompleted, h3.State)

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 2, q.Stats().Duplicates)
}

func TestRetriesWithBackoffUntilSuccess(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	var calls atomic.Int32
	q.Handle("flaky", func(ctx context.Context, j Job) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	h, err := q.EnqueueOnce(context.Background(), "flaky", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, jobState(t, q, h.ID), 2*time.Second, 5*time.Millisecond)

	j, _, _ := q.Get(context.Background(), h.ID)
	assert.Equal(t, StateCompleted, j.State)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.Empty(t, j.LastError)
	assert.EqualValues(t, 2, q.Stats().Retried)
}

func TestExhaustedAttemptsFail(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	q.Handle("broken", func(ctx context.Context, j Job) error { return errors.New("down") })

	h, err := q.EnqueueOnce(context.Background(), "broken", nil, EnqueueOptions{Attempts: 2})
	require.NoError(t, err)
	require.Eventually(t, jobState(t, q, h.ID), 2*time.Second, 5*time.Millisecond)

	j, _, _ := q.Get(context.Background(), h.ID)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 2, j.AttemptsMade)
	assert.Equal(t, "down", j.LastError)
}

func TestNoRetryFailsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	q.Handle("missing", func(ctx context.Context, j Job) error {
		return NoRetry(errors.New("campaign not found"))
	})

	h, err := q.EnqueueOnce(context.Background(), "missing", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, jobState(t, q, h.ID), 2*time.Second, 5*time.Millisecond)

	j, _, _ := q.Get(context.Background(), h.ID)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 1, j.AttemptsMade)
}

func TestUnknownJobNameFailsPermanently(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	h, err := q.EnqueueOnce(context.Background(), "nobody", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, jobState(t, q, h.ID), 2*time.Second, 5*time.Millisecond)

	j, _, _ := q.Get(context.Background(), h.ID)
	assert.Equal(t, StateFailed, j.State)
	assert.Contains(t, j.LastError, ErrNoHandler.Error())
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	var calls atomic.Int32
	q.Handle("panics", func(ctx context.Context, j Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	h, err := q.EnqueueOnce(context.Background(), "panics", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, jobState(t, q, h.ID), 2*time.Second, 5*time.Millisecond)

	j, _, _ := q.Get(context.Background(), h.ID)
	assert.Equal(t, StateCompleted, j.State)
	assert.Equal(t, 2, j.AttemptsMade)
}

func TestRetentionKeepsNewestCompleted(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.RetainCompleted = 2
	q := startQueue(t, cfg, nil)
	q.Handle("noop", func(ctx context.Context, j Job) error { return nil })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.EnqueueOnce(ctx, "noop", i, EnqueueOptions{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && q.Stats().Completed == 5 && counts[StateCompleted] == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartRecoversInterruptedJobs(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Now()
	_, err := store.InsertJob(context.Background(), Job{
		ID: "stuck", Name: "noop", State: StateActive, Attempts: 3, AttemptsMade: 1,
		RunAt: now, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	q := New(fastConfig(), store, logx.Nop())
	done := make(chan struct{})
	q.Handle("noop", func(ctx context.Context, j Job) error {
		close(done)
		return nil
	})
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("interrupted job was not resumed")
	}
	require.Eventually(t, jobState(t, q, "stuck"), 2*time.Second, 5*time.Millisecond)
	j, _, _ := q.Get(context.Background(), "stuck")
	assert.Equal(t, 2, j.AttemptsMade)
}

// Enqueue never depends on the workers running: admin commands queue
// campaigns against the store while the daemon is down.
func TestEnqueueWhileStoppedRunsOnStart(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	q := New(fastConfig(), store, logx.Nop())
	done := make(chan struct{})
	q.Handle("noop", func(ctx context.Context, j Job) error {
		close(done)
		return nil
	})

	h, err := q.EnqueueOnce(ctx, "noop", nil, EnqueueOptions{JobID: "early"})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, h.State)

	require.NoError(t, q.Start(ctx))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job enqueued before start never ran")
	}
	require.Eventually(t, jobState(t, q, "early"), 2*time.Second, 5*time.Millisecond)
	require.NoError(t, q.Stop(ctx))
	require.NoError(t, q.Stop(ctx), "stop is idempotent")

	h, err = q.EnqueueOnce(ctx, "noop", nil, EnqueueOptions{JobID: "late"})
	require.NoError(t, err)
	j, ok, err := q.Get(ctx, h.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateWaiting, j.State)
}

func TestDelayedJobWaits(t *testing.T) {
	t.Parallel()

	q := startQueue(t, fastConfig(), nil)
	ran := make(chan time.Time, 1)
	q.Handle("later", func(ctx context.Context, j Job) error {
		ran <- time.Now()
		return nil
	})
	start := time.Now()
	h, err := q.EnqueueOnce(context.Background(), "later", nil, EnqueueOptions{Delay: 80 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, h.State)

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 80*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed job never ran")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{BackoffBase: 5 * time.Second, BackoffFactor: 2, BackoffMax: 30 * time.Second}
	cases := []struct {
		attempts int
		err      error
		want     time.Duration
	}{
		{1, nil, 5 * time.Second},
		{2, nil, 10 * time.Second},
		{3, nil, 20 * time.Second},
		{4, nil, 30 * time.Second},
		{1, RetryAfter(errors.New("throttled"), 2*time.Second), 2 * time.Second},
		{1, RetryAfter(errors.New("throttled"), time.Hour), 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(cfg, tc.attempts, tc.err, nil); got != tc.want {
			t.Fatalf("attempts=%d err=%v: got %s want %s", tc.attempts, tc.err, got, tc.want)
		}
	}

	cfg.BackoffJitter = 0.5
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := backoffDelay(cfg, 1, nil, rng)
		if d < 2500*time.Millisecond || d > 7500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
}
