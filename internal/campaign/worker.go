package campaign

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/chat"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/ratelimit"
	"dispatchd/pkg/logx"
)

// Pusher delivers one message through the bot's channel adapter.
type Pusher interface {
	Push(ctx context.Context, botID, to string, msg chat.Outbound) (bool, error)
	ChannelID(botID string) string
}

// Gate admits sends per channel.
type Gate interface {
	Admit(ctx context.Context, channelID string) ratelimit.Decision
}

// Delivery errors recorded on the ledger.
const (
	ErrTextNoTarget     = "no_target"
	ErrTextNotDelivered = "not_delivered"
)

type WorkerConfig struct {
	// DefaultBot is used when neither the target nor the campaign names one.
	DefaultBot string
}

// Worker runs campaign jobs: one job dispatches every target of a campaign
// and drives its status to completed or failed.
type Worker struct {
	cfg    WorkerConfig
	repo   Repository
	pusher Pusher
	gate   Gate
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWorker(cfg WorkerConfig, repo Repository, pusher Pusher, gate Gate, bus eventbus.Bus, log logx.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		repo:   repo,
		pusher: pusher,
		gate:   gate,
		bus:    bus,
		log:    log.With(logx.String("comp", "campaign.worker")),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle is the queue.Handler for JobName.
func (w *Worker) Handle(ctx context.Context, job queue.Job) (err error) {
	var p JobPayload
	if err := job.Decode(&p); err != nil || p.CampaignID == "" {
		return queue.NoRetry(fmt.Errorf("campaign job %s: bad payload: %v", job.ID, err))
	}
	log := w.log.With(logx.String("campaign", p.CampaignID), logx.String("job", job.ID), logx.Int("attempt", job.AttemptsMade))

	started := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("campaign job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("campaign job panic: %v", r)
		}
		if err == nil {
			return
		}
		if !lastAttempt(ctx, job, err) {
			if started && ctx.Err() == nil {
				log.Warn("campaign run interrupted, will retry", logx.Err(err))
			}
			return
		}
		from := StatusQueued
		if started {
			from = StatusRunning
		}
		w.fail(p.CampaignID, from, err, log)
	}()

	c, err := w.repo.GetCampaign(ctx, p.CampaignID)
	if errors.Is(err, ErrNotFound) {
		return queue.NoRetry(err)
	}
	if err != nil {
		return err
	}

	start, err := w.claim(ctx, &c, job, p, log)
	if err != nil || !start {
		return err
	}
	started = true
	return w.dispatch(ctx, c, job, log)
}

// lastAttempt reports whether err ends the job for good. A canceled job
// context means the worker is shutting down and the job resumes later; a
// job timeout counts as a failed attempt.
func lastAttempt(ctx context.Context, job queue.Job, err error) bool {
	if errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	return queue.IsNoRetry(err) || job.AttemptsMade >= job.Attempts
}

// claim decides whether this job owns the run and moves the campaign to
// running. A retry of a run that is already running resumes it.
func (w *Worker) claim(ctx context.Context, c *Campaign, job queue.Job, p JobPayload, log logx.Logger) (bool, error) {
	resuming := c.Status == StatusRunning && job.AttemptsMade > 1
	switch {
	case resuming:
		log.Info("resuming campaign run")
		return true, nil

	case c.Status == StatusRunning:
		log.Warn("campaign already running, job skipped")
		return false, nil

	case p.ScheduleID != "" && c.Status != StatusQueued:
		// A schedule fire is its own queue action: start a fresh run.
		now := w.now()
		ok, err := w.repo.TransitionCampaign(ctx, c.ID, []Status{c.Status}, StatusQueued, c.Status.Terminal(), now)
		if err != nil {
			return false, err
		}
		if !ok {
			log.Warn("campaign changed before scheduled run, job skipped")
			return false, nil
		}
		if c.Status.Terminal() {
			c.SentCount, c.FailedCount = 0, 0
		}
		c.Status = StatusQueued

	case c.Status != StatusQueued:
		log.Info("campaign not queued, job skipped", logx.String("status", string(c.Status)))
		return false, nil
	}

	now := w.now()
	ok, err := w.repo.TransitionCampaign(ctx, c.ID, []Status{StatusQueued}, StatusRunning, false, now)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Warn("campaign left queued before start, job skipped")
		return false, nil
	}
	c.Status, c.UpdatedAt = StatusRunning, now
	w.publish(*c)
	log.Info("campaign run started", logx.Int("targets", c.TotalTargets))
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, c Campaign, job queue.Job, log logx.Logger) error {
	runID := job.ID
	targets, err := w.repo.Targets(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	done, err := w.repo.ProcessedAudience(ctx, c.ID, runID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	var sent, failed int
	for i := range c.TotalTargets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if i >= len(targets) {
			aud := "#" + strconv.Itoa(i)
			if done[aud] {
				continue
			}
			if err := w.record(ctx, c.ID, runID, aud, errors.New(ErrTextNoTarget)); err != nil {
				return err
			}
			failed++
			continue
		}

		t := targets[i]
		if done[t.AudienceID] {
			continue
		}
		botID := firstNonEmpty(t.BotID, c.BotID, w.cfg.DefaultBot)
		if err := w.admit(ctx, w.pusher.ChannelID(botID)); err != nil {
			return err
		}
		ok, perr := w.pusher.Push(ctx, botID, t.To, chat.Outbound{Type: chat.TypeText, Text: c.Message})
		if perr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if perr == nil && !ok {
			perr = errors.New(ErrTextNotDelivered)
		}
		if perr != nil {
			log.Debug("target failed", logx.String("audience", t.AudienceID), logx.Err(perr))
		}
		if err := w.record(ctx, c.ID, runID, t.AudienceID, perr); err != nil {
			return err
		}
		if perr != nil {
			failed++
		} else {
			sent++
		}
	}

	ok, err := w.repo.TransitionCampaign(ctx, c.ID, []Status{StatusRunning}, StatusCompleted, false, w.now())
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if !ok {
		log.Warn("campaign left running before completion")
		return nil
	}
	w.publishFresh(ctx, c.ID)
	log.Info("campaign run completed", logx.Int("sent", sent), logx.Int("failed", failed))
	return nil
}

// admit blocks until the gate lets one send through on channel.
func (w *Worker) admit(ctx context.Context, channel string) error {
	if w.gate == nil {
		return nil
	}
	for {
		d := w.gate.Admit(ctx, channel)
		if d.Allowed {
			return nil
		}
		if err := w.sleep(ctx, max(d.RetryAfter, ratelimit.MinRetryAfter)); err != nil {
			return err
		}
	}
}

// record appends one ledger row and bumps the matching counter.
func (w *Worker) record(ctx context.Context, campaignID, runID, audienceID string, sendErr error) error {
	now := w.now()
	d := Delivery{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		RunID:      runID,
		AudienceID: audienceID,
		Status:     DeliverySent,
		CreatedAt:  now,
	}
	sent, failed := 1, 0
	if sendErr != nil {
		d.Status, d.Error = DeliveryFailed, sendErr.Error()
		sent, failed = 0, 1
	} else {
		d.SentAt = now
	}
	if err := w.repo.AppendDelivery(ctx, d); err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	if err := w.repo.AddCounts(ctx, campaignID, sent, failed, now); err != nil {
		return fmt.Errorf("update counts: %w", err)
	}
	return nil
}

// fail ends a run whose job will not be retried: every unprocessed target
// counts as failed and the campaign moves from `from` to failed. It uses
// its own context since the job context may already be done.
func (w *Worker) fail(id string, from Status, cause error, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := w.now()
	ok, err := w.repo.TransitionCampaign(ctx, id, []Status{from}, StatusFailed, false, now)
	if err != nil {
		log.Error("mark campaign failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	if cur, err := w.repo.GetCampaign(ctx, id); err == nil {
		if rest := cur.TotalTargets - cur.SentCount - cur.FailedCount; rest > 0 {
			if err := w.repo.AddCounts(ctx, id, 0, rest, now); err != nil {
				log.Error("count unprocessed targets failed", logx.Err(err))
			}
		}
	}
	w.publishFresh(ctx, id)
	log.Error("campaign run failed", logx.Err(cause))
}

func (w *Worker) publishFresh(ctx context.Context, id string) {
	if c, err := w.repo.GetCampaign(ctx, id); err == nil {
		w.publish(c)
	}
}

func (w *Worker) publish(c Campaign) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignUpdate, BotID: c.BotID, Data: c.Summary()})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
