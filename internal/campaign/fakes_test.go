package campaign

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/chat"
	"dispatchd/internal/queue"
	"dispatchd/internal/ratelimit"
)

type memRepo struct {
	mu         sync.Mutex
	campaigns  map[string]Campaign
	targets    map[string][]Target
	deliveries []Delivery
	schedules  map[string]Schedule

	// failAppendAfter makes AppendDelivery fail once this many rows exist.
	failAppendAfter int
}

func newMemRepo() *memRepo {
	return &memRepo{
		campaigns:       map[string]Campaign{},
		targets:         map[string][]Target{},
		schedules:       map[string]Schedule{},
		failAppendAfter: -1,
	}
}

func (r *memRepo) CreateCampaign(_ context.Context, c Campaign, targets []Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	r.targets[c.ID] = slices.Clone(targets)
	return nil
}

func (r *memRepo) GetCampaign(_ context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *memRepo) ListCampaigns(_ context.Context, offset, limit int) ([]Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Campaign
	for _, c := range r.campaigns {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (r *memRepo) TransitionCampaign(_ context.Context, id string, from []Status, to Status, reset bool, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || !slices.Contains(from, c.Status) {
		return false, nil
	}
	c.Status, c.UpdatedAt = to, at
	if reset {
		c.SentCount, c.FailedCount = 0, 0
	}
	r.campaigns[id] = c
	return true, nil
}

func (r *memRepo) AddCounts(_ context.Context, id string, sent, failed int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	c.SentCount += sent
	c.FailedCount += failed
	c.UpdatedAt = at
	r.campaigns[id] = c
	return nil
}

func (r *memRepo) Targets(_ context.Context, id string) ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.targets[id]), nil
}

func (r *memRepo) AppendDelivery(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAppendAfter >= 0 && len(r.deliveries) >= r.failAppendAfter {
		r.failAppendAfter = -1
		return errors.New("database is locked")
	}
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *memRepo) ProcessedAudience(_ context.Context, campaignID, runID string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, d := range r.deliveries {
		if d.CampaignID == campaignID && d.RunID == runID {
			out[d.AudienceID] = true
		}
	}
	return out, nil
}

func (r *memRepo) Deliveries(_ context.Context, id string, limit int) ([]Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Delivery
	for _, d := range r.deliveries {
		if d.CampaignID == id {
			out = append(out, d)
		}
	}
	return out[:min(limit, len(out))], nil
}

func (r *memRepo) CreateSchedule(_ context.Context, s Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = s
	return nil
}

func (r *memRepo) GetSchedule(_ context.Context, id string) (Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return Schedule{}, ErrScheduleNotFound
	}
	return s, nil
}

func (r *memRepo) UpdateSchedule(_ context.Context, s Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	r.schedules[s.ID] = s
	return nil
}

func (r *memRepo) ListSchedules(_ context.Context, campaignID string) ([]Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Schedule
	for _, s := range r.schedules {
		if campaignID == "" || s.CampaignID == campaignID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) campaign(id string) Campaign {
	c, _ := r.GetCampaign(context.Background(), id)
	return c
}

// fakeQueue records enqueues and keeps one registration per key.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     map[string]any
	enqueues int
	repeats  map[string]queue.RepeatSpec
	history  []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]any{}, repeats: map[string]queue.RepeatSpec{}}
}

func (q *fakeQueue) EnqueueOnce(_ context.Context, _ string, payload any, opts queue.EnqueueOptions) (queue.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues++
	if _, ok := q.jobs[opts.JobID]; ok {
		return queue.Handle{ID: opts.JobID, State: queue.StateWaiting, Duplicate: true}, nil
	}
	q.jobs[opts.JobID] = payload
	return queue.Handle{ID: opts.JobID, State: queue.StateWaiting}, nil
}

func (q *fakeQueue) UpsertRepeating(_ context.Context, spec queue.RepeatSpec) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.repeats, spec.Key)
	q.repeats[spec.Key] = spec
	q.history = append(q.history, "upsert:"+spec.Key+":"+spec.Cron)
	return nil
}

func (q *fakeQueue) RemoveRepeating(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.repeats[key]
	delete(q.repeats, key)
	q.history = append(q.history, "remove:"+key)
	return ok, nil
}

func (q *fakeQueue) Repeatables(context.Context) ([]queue.RepeatInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.RepeatInfo
	for _, r := range q.repeats {
		out = append(out, queue.RepeatInfo{Repeat: queue.Repeat{Key: r.Key, Name: r.Name, Cron: r.Cron, Timezone: r.Timezone}})
	}
	return out, nil
}

func (q *fakeQueue) ValidateCron(expr, _ string) error {
	if len(strings.Fields(expr)) != 5 {
		return queue.ErrInvalidRepeat
	}
	return nil
}

type pushCall struct {
	BotID, To, Text string
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
	// fail maps recipient -> error returned by Push.
	fail map[string]error
	// undelivered recipients get (false, nil).
	undelivered map[string]bool
}

func (p *fakePusher) Push(_ context.Context, botID, to string, msg chat.Outbound) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{botID, to, msg.Text})
	if err := p.fail[to]; err != nil {
		return false, err
	}
	return !p.undelivered[to], nil
}

func (p *fakePusher) ChannelID(botID string) string { return "test:" + botID }

// scriptedGate denies the first n admissions.
type scriptedGate struct {
	mu     sync.Mutex
	deny   int
	checks []string
}

func (g *scriptedGate) Admit(_ context.Context, channel string) ratelimit.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks = append(g.checks, channel)
	if g.deny > 0 {
		g.deny--
		return ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}
	}
	return ratelimit.Decision{Allowed: true}
}

func repeatSpec(key, name string) queue.RepeatSpec {
	return queue.RepeatSpec{Key: key, Name: name, Cron: "* * * * *"}
}
