package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/internal/followup"
	"dispatchd/internal/ratelimit"
	"dispatchd/pkg/logx"
)

// SendFunc performs one outbound push and reports whether the channel
// accepted it.
type SendFunc func(ctx context.Context) (bool, error)

// SendJob is a rate-limited send keyed by an idempotency id.
type SendJob struct {
	ID        string
	ChannelID string
	Handler   SendFunc
}

// SendResult is the synchronous outcome of Enqueue. Scheduled means the
// gate deferred the send; Delay is the wait before the next check.
// Duplicate means the id was already pending or running and nothing new
// happened.
type SendResult struct {
	Scheduled bool
	Duplicate bool
	Delay     time.Duration
	Delivered bool
	Err       error
}

// Admitter is the slice of ratelimit.Gate the send path needs.
type Admitter interface {
	Admit(ctx context.Context, channelID string) ratelimit.Decision
}

type SendStats struct {
	Immediate uint64 `json:"immediate"`
	Deferred  uint64 `json:"deferred"`
	Retried   uint64 `json:"retried"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// SendScheduler gates sends per channel. A throttled job keeps exactly one
// retry timer, re-checked on fire until admitted, cancelled or flushed.
type SendScheduler struct {
	gate   Admitter
	timers *followup.Scheduler
	log    logx.Logger

	// ids between their gate check and the end of the handler, or arming
	mu     sync.Mutex
	active map[string]struct{}

	immediate atomic.Uint64
	deferred  atomic.Uint64
	retried   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewSendScheduler(gate Admitter, timers *followup.Scheduler, log logx.Logger) *SendScheduler {
	return &SendScheduler{
		gate:   gate,
		timers: timers,
		log:    log.With(logx.String("comp", "send")),
		active: map[string]struct{}{},
	}
}

func timerID(id string) string { return "send:" + id }

// Enqueue checks the gate now. Admitted jobs run synchronously; throttled
// jobs are deferred by the gate's RetryAfter. An id runs at most once at a
// time: enqueueing an id that waits on a timer or is running is a no-op
// reported as Duplicate.
func (s *SendScheduler) Enqueue(ctx context.Context, job SendJob) SendResult {
	if job.Handler == nil {
		return SendResult{Err: errors.New("send: nil handler")}
	}
	if s.timers.IsPending(timerID(job.ID)) {
		return SendResult{Scheduled: true, Duplicate: true}
	}
	if !s.claim(job.ID) {
		return SendResult{Duplicate: true}
	}
	defer s.release(job.ID)
	// The timer may have been armed between the check above and the claim.
	if s.timers.IsPending(timerID(job.ID)) {
		return SendResult{Scheduled: true, Duplicate: true}
	}

	d := s.gate.Admit(ctx, job.ChannelID)
	if !d.Allowed {
		s.deferred.Add(1)
		s.arm(job, d.RetryAfter)
		s.log.Debug("send deferred", logx.String("id", job.ID), logx.String("channel", job.ChannelID),
			logx.Int64("count", d.Count), logx.Duration("retry_after", d.RetryAfter))
		return SendResult{Scheduled: true, Delay: d.RetryAfter}
	}

	s.immediate.Add(1)
	ok, err := s.invoke(ctx, job)
	return SendResult{Delivered: ok, Err: err}
}

func (s *SendScheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *SendScheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *SendScheduler) arm(job SendJob, delay time.Duration) {
	s.timers.Schedule(timerID(job.ID), max(delay, ratelimit.MinRetryAfter), job, s.retry)
}

func (s *SendScheduler) retry(ctx context.Context, payload any) error {
	job, ok := payload.(SendJob)
	if !ok {
		return errors.New("send: unexpected timer payload")
	}
	if !s.claim(job.ID) {
		// An Enqueue of the same id owns it now.
		return nil
	}
	defer s.release(job.ID)

	s.retried.Add(1)
	d := s.gate.Admit(ctx, job.ChannelID)
	if !d.Allowed {
		// The fired entry is already gone, so re-arming the same id is safe.
		s.arm(job, d.RetryAfter)
		return nil
	}
	_, err := s.invoke(ctx, job)
	return err
}

func (s *SendScheduler) invoke(ctx context.Context, job SendJob) (bool, error) {
	ok, err := job.Handler(ctx)
	switch {
	case err != nil:
		s.failed.Add(1)
		s.log.Warn("send failed", logx.String("id", job.ID), logx.String("channel", job.ChannelID), logx.Err(err))
	case ok:
		s.delivered.Add(1)
	default:
		s.log.Debug("send not accepted by channel", logx.String("id", job.ID))
	}
	return ok, err
}

// Cancel abandons a deferred send.
func (s *SendScheduler) Cancel(id string) bool { return s.timers.Cancel(timerID(id)) }

func (s *SendScheduler) IsPending(id string) bool { return s.timers.IsPending(timerID(id)) }

func (s *SendScheduler) Stats() SendStats {
	return SendStats{
		Immediate: s.immediate.Load(),
		Deferred:  s.deferred.Load(),
		Retried:   s.retried.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
	}
}
