package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

type workerFixture struct {
	repo   *memRepo
	pusher *fakePusher
	gate   *scriptedGate
	sleeps []time.Duration
	w      *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		repo:   newMemRepo(),
		pusher: &fakePusher{fail: map[string]error{}, undelivered: map[string]bool{}},
		gate:   &scriptedGate{},
	}
	f.w = NewWorker(WorkerConfig{DefaultBot: "fallback"}, f.repo, f.pusher, f.gate, eventbus.New(), logx.Nop())
	f.w.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *workerFixture) seed(t *testing.T, status Status, total int, targets ...Target) Campaign {
	t.Helper()
	now := time.Now()
	c := Campaign{
		ID:           fmt.Sprintf("c-%d", len(f.repo.campaigns)+1),
		Name:         "promo",
		Message:      "50% off today",
		BotID:        "bot-1",
		Status:       status,
		TotalTargets: total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.repo.CreateCampaign(context.Background(), c, targets))
	return c
}

func campaignJob(t *testing.T, id string, p JobPayload, attempt, attempts int) queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return queue.Job{ID: id, Name: JobName, Payload: raw, AttemptsMade: attempt, Attempts: attempts}
}

func targets(ids ...string) []Target {
	out := make([]Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, Target{AudienceID: id, To: id})
	}
	return out
}

func TestWorkerDispatchesEveryTarget(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ts := targets("u1", "u2", "u3")
	ts[2].BotID = "bot-2"
	c := f.seed(t, StatusQueued, 3, ts...)
	f.pusher.fail["u2"] = transport.Rejected(errors.New("blocked"))

	err := f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 1, 3))
	require.NoError(t, err)

	got := f.repo.campaign(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)

	require.Len(t, f.pusher.calls, 3)
	assert.Equal(t, pushCall{"bot-1", "u1", "50% off today"}, f.pusher.calls[0])
	assert.Equal(t, "bot-2", f.pusher.calls[2].BotID)
	assert.Equal(t, []string{"test:bot-1", "test:bot-1", "test:bot-2"}, f.gate.checks)

	require.Len(t, f.repo.deliveries, 3)
	failed := f.repo.deliveries[1]
	assert.Equal(t, DeliveryFailed, failed.Status)
	assert.Contains(t, failed.Error, "blocked")
	assert.True(t, failed.SentAt.IsZero())
	assert.Equal(t, DeliverySent, f.repo.deliveries[0].Status)
	assert.Equal(t, "run-1", f.repo.deliveries[0].RunID)
}

func TestWorkerCountsMissingTargetsAndUndelivered(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	c := f.seed(t, StatusQueued, 4, targets("u1", "u2")...)
	f.pusher.undelivered["u2"] = true

	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 1, 3)))

	got := f.repo.campaign(c.ID)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 3, got.FailedCount)
	assert.Equal(t, got.TotalTargets, got.SentCount+got.FailedCount)
	assert.Equal(t, ErrTextNotDelivered, f.repo.deliveries[1].Error)
	assert.Equal(t, ErrTextNoTarget, f.repo.deliveries[3].Error)
	assert.Equal(t, "#3", f.repo.deliveries[3].AudienceID)
}

func TestWorkerPermanentFailures(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)

	err := f.w.Handle(context.Background(), campaignJob(t, "j", JobPayload{CampaignID: "ghost"}, 1, 3))
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, queue.IsNoRetry(err))

	err = f.w.Handle(context.Background(), queue.Job{ID: "j2", Name: JobName, Payload: json.RawMessage(`{`)})
	assert.True(t, queue.IsNoRetry(err))
}

func TestWorkerWaitsForGate(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	f.gate.deny = 2
	c := f.seed(t, StatusQueued, 1, targets("u1")...)

	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 1, 3)))
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, f.sleeps)
	assert.Len(t, f.pusher.calls, 1)
	assert.Equal(t, 1, f.repo.campaign(c.ID).SentCount)
}

func TestWorkerRetryResumesRun(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	c := f.seed(t, StatusQueued, 3, targets("u1", "u2", "u3")...)
	f.repo.failAppendAfter = 1

	err := f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 1, 3))
	require.Error(t, err)
	assert.False(t, queue.IsNoRetry(err))
	got := f.repo.campaign(c.ID)
	assert.Equal(t, StatusRunning, got.Status, "run stays running while attempts remain")
	assert.Equal(t, 1, got.SentCount)

	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 2, 3)))
	got = f.repo.campaign(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.SentCount+got.FailedCount)
	assert.LessOrEqual(t, got.SentCount+got.FailedCount, got.TotalTargets)
	assert.Len(t, f.repo.deliveries, 3)
	// u1 was recorded before the failure and is not pushed again.
	assert.Equal(t, []string{"u1", "u2", "u2", "u3"}, recipients(f.pusher.calls))
}

func TestWorkerFinalAttemptFailsCampaign(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	c := f.seed(t, StatusQueued, 3, targets("u1", "u2", "u3")...)
	f.repo.failAppendAfter = 1

	err := f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 3, 3))
	require.Error(t, err)

	got := f.repo.campaign(c.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 2, got.FailedCount)
}

func TestWorkerJobTimeoutOnLastAttemptFailsCampaign(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	f.w.sleep = sleepCtx
	f.gate.deny = 1 << 20
	c := f.seed(t, StatusDraft, 2, targets("u1", "u2")...)

	q := queue.New(queue.Config{
		Workers:      1,
		Attempts:     1,
		JobTimeout:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, nil, logx.Nop())
	q.Handle(JobName, f.w.Handle)
	svc := NewService(ServiceConfig{}, f.repo, q, nil, logx.Nop())

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	res, err := svc.Queue(ctx, c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, ok, err := q.Get(ctx, res.JobID)
		return err == nil && ok && j.State == queue.StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, q.Stop(ctx))

	got := f.repo.campaign(c.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.SentCount)
	assert.Equal(t, 2, got.FailedCount)
	assert.Empty(t, f.pusher.calls)

	again, err := svc.Queue(ctx, c.ID)
	require.NoError(t, err, "a failed campaign can be queued again")
	assert.Equal(t, StatusQueued, again.Status)
}

func TestWorkerPanicOnLastAttemptFailsCampaign(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	c := f.seed(t, StatusQueued, 1, targets("u1")...)
	f.w.sleep = func(context.Context, time.Duration) error { panic("boom") }
	f.gate.deny = 1

	err := f.w.Handle(context.Background(), campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 2, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	got := f.repo.campaign(c.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.FailedCount)
}

func TestWorkerSkipsJobsItDoesNotOwn(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)

	draft := f.seed(t, StatusDraft, 1, targets("u1")...)
	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "j1", JobPayload{CampaignID: draft.ID}, 1, 3)))
	assert.Equal(t, StatusDraft, f.repo.campaign(draft.ID).Status)

	running := f.seed(t, StatusRunning, 1, targets("u1")...)
	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "j2", JobPayload{CampaignID: running.ID}, 1, 3)))
	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "j3", JobPayload{CampaignID: running.ID, ScheduleID: "s"}, 1, 3)))

	done := f.seed(t, StatusCompleted, 1, targets("u1")...)
	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "j4", JobPayload{CampaignID: done.ID}, 1, 3)))
	assert.Equal(t, StatusCompleted, f.repo.campaign(done.ID).Status)

	assert.Empty(t, f.pusher.calls)
}

func TestWorkerScheduledRunRestartsTerminalCampaign(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	c := f.seed(t, StatusCompleted, 2, targets("u1", "u2")...)
	require.NoError(t, f.repo.AddCounts(context.Background(), c.ID, 2, 0, time.Now()))

	p := JobPayload{CampaignID: c.ID, ScheduleID: "s1"}
	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "repeat:k:1", p, 1, 3)))
	got := f.repo.campaign(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.SentCount, "counters restart with each scheduled run")

	require.NoError(t, f.w.Handle(context.Background(), campaignJob(t, "repeat:k:2", p, 1, 3)))
	assert.Len(t, f.pusher.calls, 4)
	assert.Equal(t, 2, f.repo.campaign(c.ID).SentCount)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	c := f.seed(t, StatusQueued, 2, targets("u1", "u2")...)

	ctx, cancel := context.WithCancel(context.Background())
	f.gate.deny = 1
	f.w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	err := f.w.Handle(ctx, campaignJob(t, "run-1", JobPayload{CampaignID: c.ID}, 1, 3))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusRunning, f.repo.campaign(c.ID).Status)
	assert.Empty(t, f.repo.deliveries)
}

func recipients(calls []pushCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.To)
	}
	return out
}
