package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/pkg/logx"
)

// Queue is the slice of the durable job queue campaigns use.
type Queue interface {
	EnqueueOnce(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) (queue.Handle, error)
	UpsertRepeating(ctx context.Context, spec queue.RepeatSpec) error
	RemoveRepeating(ctx context.Context, key string) (bool, error)
	Repeatables(ctx context.Context) ([]queue.RepeatInfo, error)
	ValidateCron(expr, tz string) error
}

type ServiceConfig struct {
	// DefaultBot is stored on campaigns created without a bot id.
	DefaultBot string
	// Timezone is used for schedules created without one.
	Timezone string
}

// Service is the admin-facing campaign API.
type Service struct {
	cfg  ServiceConfig
	repo Repository
	q    Queue
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time

	// schedMu serializes registration changes so an edit and a delete of
	// the same schedule cannot interleave their remove/add pairs.
	schedMu sync.Mutex
}

func NewService(cfg ServiceConfig, repo Repository, q Queue, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	return &Service{
		cfg:  cfg,
		repo: repo,
		q:    q,
		bus:  bus,
		log:  log.With(logx.String("comp", "campaign")),
		now:  time.Now,
	}
}

type CreateInput struct {
	Name    string   `json:"name"`
	Message string   `json:"message"`
	BotID   string   `json:"botId,omitempty"`
	Targets []Target `json:"targets,omitempty"`
	// TotalTargets may exceed len(Targets); the missing slots are recorded
	// as failed when the campaign runs.
	TotalTargets int `json:"totalTargets,omitempty"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Campaign, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Message = strings.TrimSpace(in.Message)
	if in.Name == "" || in.Message == "" {
		return Campaign{}, fmt.Errorf("%w: name and message are required", ErrInvalid)
	}
	if in.TotalTargets < 0 {
		return Campaign{}, fmt.Errorf("%w: totalTargets must not be negative", ErrInvalid)
	}

	seen := make(map[string]bool, len(in.Targets))
	targets := make([]Target, 0, len(in.Targets))
	for i, t := range in.Targets {
		t.To = strings.TrimSpace(t.To)
		t.AudienceID = strings.TrimSpace(t.AudienceID)
		if t.To == "" {
			return Campaign{}, fmt.Errorf("%w: target %d has no recipient", ErrInvalid, i)
		}
		if t.AudienceID == "" {
			t.AudienceID = t.To
		}
		if seen[t.AudienceID] {
			return Campaign{}, fmt.Errorf("%w: duplicate audience %q", ErrInvalid, t.AudienceID)
		}
		seen[t.AudienceID] = true
		targets = append(targets, t)
	}

	botID := strings.TrimSpace(in.BotID)
	if botID == "" {
		botID = s.cfg.DefaultBot
	}
	now := s.now()
	c := Campaign{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Message:      in.Message,
		BotID:        botID,
		Status:       StatusDraft,
		TotalTargets: max(in.TotalTargets, len(targets)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateCampaign(ctx, c, targets); err != nil {
		return Campaign{}, err
	}
	s.log.Info("campaign created", logx.String("campaign", c.ID), logx.Int("targets", c.TotalTargets))
	s.publish(c)
	return c, nil
}

// Page is one page of List.
type Page struct {
	Items    []Campaign `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// List returns campaigns newest first. page starts at 1; pageSize is
// clamped to [1, MaxPageSize] and defaults to DefaultPageSize.
func (s *Service) List(ctx context.Context, page, pageSize int) (Page, error) {
	page = max(page, 1)
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)
	items, total, err := s.repo.ListCampaigns(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []Campaign{}
	}
	return Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	return s.repo.GetCampaign(ctx, id)
}

func (s *Service) Status(ctx context.Context, id string) (Summary, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return c.Summary(), nil
}

func (s *Service) Deliveries(ctx context.Context, id string, limit int) ([]Delivery, error) {
	if _, err := s.repo.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Deliveries(ctx, id, limit)
}

type QueueResult struct {
	CampaignID string `json:"campaignId"`
	Status     Status `json:"status"`
	JobID      string `json:"jobId"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// jobID derives the run id from the moment the campaign entered queued, so
// queueing an already queued campaign again maps onto the same job.
func jobID(campaignID string, queuedAt time.Time) string {
	return "campaign:" + campaignID + ":" + strconv.FormatInt(queuedAt.UnixMilli(), 10)
}

// Queue moves a campaign to queued and enqueues its run. Completed and
// failed campaigns start a fresh run with zeroed counters; a running
// campaign is rejected.
func (s *Service) Queue(ctx context.Context, id string) (QueueResult, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return QueueResult{}, err
	}

	var jid string
	switch {
	case c.Status == StatusQueued:
		jid = jobID(c.ID, c.UpdatedAt)
	case CanTransition(c.Status, StatusQueued):
		now := s.now()
		rerun := c.Status.Terminal()
		ok, err := s.repo.TransitionCampaign(ctx, c.ID, []Status{c.Status}, StatusQueued, rerun, now)
		if err != nil {
			return QueueResult{}, err
		}
		if !ok {
			return QueueResult{}, fmt.Errorf("%w: campaign %s changed concurrently", ErrInvalidTransition, c.ID)
		}
		c.Status, c.UpdatedAt = StatusQueued, now
		if rerun {
			c.SentCount, c.FailedCount = 0, 0
		}
		jid = jobID(c.ID, now)
	default:
		return QueueResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusQueued)
	}

	h, err := s.q.EnqueueOnce(ctx, JobName, JobPayload{CampaignID: c.ID}, queue.EnqueueOptions{JobID: jid})
	if err != nil {
		return QueueResult{}, fmt.Errorf("enqueue campaign %s: %w", c.ID, err)
	}
	s.log.Info("campaign queued", logx.String("campaign", c.ID), logx.String("job", h.ID), logx.Bool("duplicate", h.Duplicate))
	s.publish(c)
	return QueueResult{CampaignID: c.ID, Status: StatusQueued, JobID: h.ID, Duplicate: h.Duplicate}, nil
}

// ScheduleKey is the repeat registration identity of a schedule.
func ScheduleKey(campaignID, scheduleID string) string {
	return "campaign:" + campaignID + ":schedule:" + scheduleID
}

type ScheduleInput struct {
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone,omitempty"`
	IsActive       *bool  `json:"isActive,omitempty"`
}

// SchedulePatch updates only the fields that are set.
type SchedulePatch struct {
	CronExpression *string `json:"cronExpression,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	IsActive       *bool   `json:"isActive,omitempty"`
}

func (s *Service) validateCron(expr, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, tz, err)
	}
	if err := s.q.ValidateCron(expr, tz); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (s *Service) CreateSchedule(ctx context.Context, campaignID string, in ScheduleInput) (Schedule, error) {
	if _, err := s.repo.GetCampaign(ctx, campaignID); err != nil {
		return Schedule{}, err
	}
	expr := strings.TrimSpace(in.CronExpression)
	tz := strings.TrimSpace(in.Timezone)
	if tz == "" {
		tz = s.cfg.Timezone
	}
	if err := s.validateCron(expr, tz); err != nil {
		return Schedule{}, err
	}

	now := s.now()
	sc := Schedule{
		ID:             uuid.NewString(),
		CampaignID:     campaignID,
		CronExpression: expr,
		Timezone:       tz,
		IsActive:       in.IsActive == nil || *in.IsActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sc.IdempotencyKey = ScheduleKey(campaignID, sc.ID)
	if err := s.repo.CreateSchedule(ctx, sc); err != nil {
		return Schedule{}, err
	}
	if err := s.UpsertSchedule(ctx, sc.ID); err != nil {
		return sc, err
	}
	return sc, nil
}

func (s *Service) UpdateSchedule(ctx context.Context, id string, p SchedulePatch) (Schedule, error) {
	sc, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	if p.CronExpression != nil {
		sc.CronExpression = strings.TrimSpace(*p.CronExpression)
	}
	if p.Timezone != nil {
		sc.Timezone = strings.TrimSpace(*p.Timezone)
		if sc.Timezone == "" {
			sc.Timezone = s.cfg.Timezone
		}
	}
	if p.IsActive != nil {
		sc.IsActive = *p.IsActive
	}
	if err := s.validateCron(sc.CronExpression, sc.Timezone); err != nil {
		return Schedule{}, err
	}
	sc.UpdatedAt = s.now()
	if err := s.repo.UpdateSchedule(ctx, sc); err != nil {
		return Schedule{}, err
	}
	if err := s.UpsertSchedule(ctx, sc.ID); err != nil {
		return sc, err
	}
	return sc, nil
}

// DeleteSchedule deactivates the schedule and drops its registration. The
// row is kept for history.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	sc, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sc.IsActive {
		sc.IsActive = false
		sc.UpdatedAt = s.now()
		if err := s.repo.UpdateSchedule(ctx, sc); err != nil {
			return err
		}
	}
	return s.UpsertSchedule(ctx, id)
}

func (s *Service) Schedules(ctx context.Context, campaignID string) ([]Schedule, error) {
	if _, err := s.repo.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.repo.ListSchedules(ctx, campaignID)
}

// UpsertSchedule makes the queue registration match the schedule row: an
// active schedule gets exactly one registration with its current cron and
// timezone, an inactive one gets none.
func (s *Service) UpsertSchedule(ctx context.Context, scheduleID string) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	sc, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	log := s.log.With(logx.String("schedule", sc.ID), logx.String("key", sc.IdempotencyKey))
	if !sc.IsActive {
		removed, err := s.q.RemoveRepeating(ctx, sc.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("remove schedule %s: %w", sc.ID, err)
		}
		if removed {
			log.Info("schedule registration removed")
		}
		return nil
	}
	err = s.q.UpsertRepeating(ctx, queue.RepeatSpec{
		Key:      sc.IdempotencyKey,
		Name:     JobName,
		Cron:     sc.CronExpression,
		Timezone: sc.Timezone,
		Payload:  JobPayload{CampaignID: sc.CampaignID, ScheduleID: sc.ID},
	})
	if err != nil {
		return fmt.Errorf("register schedule %s: %w", sc.ID, err)
	}
	log.Info("schedule registered", logx.String("cron", sc.CronExpression), logx.String("tz", sc.Timezone))
	return nil
}

// SyncSchedules reconciles queue registrations with the schedule table,
// re-registering every schedule and removing campaign registrations whose
// schedule is gone or inactive. It returns the number of active schedules.
func (s *Service) SyncSchedules(ctx context.Context) (int, error) {
	all, err := s.repo.ListSchedules(ctx, "")
	if err != nil {
		return 0, err
	}
	active := map[string]bool{}
	var errs []error
	for _, sc := range all {
		if sc.IsActive {
			active[sc.IdempotencyKey] = true
		}
		if err := s.UpsertSchedule(ctx, sc.ID); err != nil {
			s.log.Warn("schedule sync failed", logx.String("schedule", sc.ID), logx.Err(err))
			errs = append(errs, err)
		}
	}

	regs, err := s.q.Repeatables(ctx)
	if err != nil {
		return len(active), errors.Join(append(errs, err)...)
	}
	for _, r := range regs {
		if r.Name != JobName || !strings.HasPrefix(r.Key, "campaign:") || active[r.Key] {
			continue
		}
		if _, err := s.q.RemoveRepeating(ctx, r.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("orphan schedule registration removed", logx.String("key", r.Key))
	}
	return len(active), errors.Join(errs...)
}

func (s *Service) publish(c Campaign) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignUpdate, BotID: c.BotID, Data: c.Summary()})
}
