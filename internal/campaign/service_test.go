package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/eventbus"
	"dispatchd/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *memRepo, *fakeQueue) {
	t.Helper()
	repo := newMemRepo()
	q := newFakeQueue()
	svc := NewService(ServiceConfig{DefaultBot: "bot-1", Timezone: "Asia/Bangkok"}, repo, q, eventbus.New(), logx.Nop())
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, repo, q
}

func TestCreateValidatesAndDefaults(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Name: " ", Message: "hi"})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Create(ctx, CreateInput{Name: "n", Message: "m", Targets: []Target{{To: "u1"}, {AudienceID: "u1", To: "x"}}})
	require.ErrorIs(t, err, ErrInvalid, "duplicate audience")

	_, err = svc.Create(ctx, CreateInput{Name: "n", Message: "m", Targets: []Target{{To: ""}}})
	require.ErrorIs(t, err, ErrInvalid, "empty recipient")

	c, err := svc.Create(ctx, CreateInput{Name: " Promo ", Message: "Sale!", Targets: []Target{{To: "u1"}, {To: "u2"}}})
	require.NoError(t, err)
	assert.Equal(t, "Promo", c.Name)
	assert.Equal(t, StatusDraft, c.Status)
	assert.Equal(t, "bot-1", c.BotID)
	assert.Equal(t, 2, c.TotalTargets)
	assert.Equal(t, []Target{{AudienceID: "u1", To: "u1"}, {AudienceID: "u2", To: "u2"}}, repo.targets[c.ID])

	c2, err := svc.Create(ctx, CreateInput{Name: "n", Message: "m", Targets: []Target{{To: "u1"}}, TotalTargets: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, c2.TotalTargets)
}

func TestListClampsPaging(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := range 3 {
		_, err := svc.Create(ctx, CreateInput{Name: fmt.Sprintf("c%d", i), Message: "m"})
		require.NoError(t, err)
	}

	p, err := svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, DefaultPageSize, p.PageSize)
	assert.Equal(t, 3, p.Total)
	require.Len(t, p.Items, 3)
	assert.Equal(t, "c2", p.Items[0].Name, "newest first")

	p, err = svc.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, p.Items, 1)

	p, err = svc.List(ctx, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, p.PageSize)

	p, err = svc.List(ctx, 9, 20)
	require.NoError(t, err)
	assert.NotNil(t, p.Items)
	assert.Empty(t, p.Items)
}

func TestQueueTransitionsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, repo, q := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateInput{Name: "n", Message: "m", Targets: []Target{{To: "u1"}}})
	require.NoError(t, err)

	r1, err := svc.Queue(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, r1.Status)
	assert.False(t, r1.Duplicate)
	assert.Equal(t, StatusQueued, repo.campaign(c.ID).Status)

	r2, err := svc.Queue(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.JobID, r2.JobID, "queueing a queued campaign maps to the same job")
	assert.True(t, r2.Duplicate)
	assert.Len(t, q.jobs, 1)

	// Running campaigns cannot be queued.
	_, err = repo.TransitionCampaign(ctx, c.ID, []Status{StatusQueued}, StatusRunning, false, time.Now())
	require.NoError(t, err)
	_, err = svc.Queue(ctx, c.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// A completed campaign is re-queued explicitly with fresh counters.
	_, err = repo.TransitionCampaign(ctx, c.ID, []Status{StatusRunning}, StatusCompleted, false, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.AddCounts(ctx, c.ID, 1, 0, time.Now()))
	r3, err := svc.Queue(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, r1.JobID, r3.JobID)
	got := repo.campaign(c.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Zero(t, got.SentCount)

	_, err = svc.Queue(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusSummary(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateInput{Name: "n", Message: "m", TotalTargets: 4})
	require.NoError(t, err)
	require.NoError(t, repo.AddCounts(ctx, c.ID, 2, 1, time.Now()))

	s, err := svc.Status(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, Summary{ID: c.ID, Status: StatusDraft, SentCount: 2, FailedCount: 1, TotalTargets: 4,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}, s)
}

func TestScheduleLifecycleKeepsOneRegistration(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateInput{Name: "n", Message: "m"})
	require.NoError(t, err)

	_, err = svc.CreateSchedule(ctx, c.ID, ScheduleInput{CronExpression: "bad"})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = svc.CreateSchedule(ctx, c.ID, ScheduleInput{CronExpression: "0 9 * * *", Timezone: "Mars/Olympus"})
	require.ErrorIs(t, err, ErrInvalid)

	sc, err := svc.CreateSchedule(ctx, c.ID, ScheduleInput{CronExpression: "0 9 * * *"})
	require.NoError(t, err)
	assert.Equal(t, "Asia/Bangkok", sc.Timezone)
	assert.Equal(t, ScheduleKey(c.ID, sc.ID), sc.IdempotencyKey)
	assert.True(t, sc.IsActive)
	require.Len(t, q.repeats, 1)
	assert.Equal(t, JobPayload{CampaignID: c.ID, ScheduleID: sc.ID}, q.repeats[sc.IdempotencyKey].Payload)

	expr := "30 18 * * 1-5"
	_, err = svc.UpdateSchedule(ctx, sc.ID, SchedulePatch{CronExpression: &expr})
	require.NoError(t, err)
	require.Len(t, q.repeats, 1)
	assert.Equal(t, expr, q.repeats[sc.IdempotencyKey].Cron)

	require.NoError(t, svc.DeleteSchedule(ctx, sc.ID))
	assert.Empty(t, q.repeats)
	assert.Equal(t, "remove:"+sc.IdempotencyKey, q.history[len(q.history)-1])

	all, err := svc.Schedules(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)

	_, err = svc.UpdateSchedule(ctx, "nope", SchedulePatch{})
	require.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestSyncSchedulesRemovesOrphans(t *testing.T) {
	t.Parallel()
	svc, repo, q := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateInput{Name: "n", Message: "m"})
	require.NoError(t, err)
	sc, err := svc.CreateSchedule(ctx, c.ID, ScheduleInput{CronExpression: "0 9 * * *"})
	require.NoError(t, err)

	// Registrations left over from a deleted schedule and an unrelated job.
	require.NoError(t, q.UpsertRepeating(ctx, repeatSpec("campaign:old:schedule:x", JobName)))
	require.NoError(t, q.UpsertRepeating(ctx, repeatSpec("housekeeping", "other.job")))
	// A registration that was lost, e.g. the queue store was wiped.
	delete(q.repeats, sc.IdempotencyKey)

	n, err := svc.SyncSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, q.repeats, sc.IdempotencyKey)
	assert.Contains(t, q.repeats, "housekeeping")
	assert.NotContains(t, q.repeats, "campaign:old:schedule:x")

	off := false
	_, err = svc.UpdateSchedule(ctx, sc.ID, SchedulePatch{IsActive: &off})
	require.NoError(t, err)
	require.Equal(t, 1, len(repo.schedules))
	n, err = svc.SyncSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotContains(t, q.repeats, sc.IdempotencyKey)
}
