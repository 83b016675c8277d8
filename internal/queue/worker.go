package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"dispatchd/pkg/logx"
)

// dispatch feeds due jobs to the workers. It wakes on every enqueue, on
// retry timers and on a poll tick.
func (q *Queue) dispatch(ctx context.Context) {
	tick := time.NewTicker(q.cfg.PollInterval)
	defer tick.Stop()
	for {
		q.pump(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) pump(ctx context.Context) {
	jobs, err := q.store.DueJobs(ctx, q.now(), q.cfg.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn("load due jobs failed", logx.Err(err))
		}
		return
	}
	for _, j := range jobs {
		if !q.claim(j.ID) {
			continue
		}
		select {
		case q.work <- j:
		case <-ctx.Done():
			q.unclaim(j.ID)
			return
		}
	}
}

func (q *Queue) claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue) unclaim(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.work:
			q.exec(ctx, j, rng)
			q.unclaim(j.ID)
		}
	}
}

func (q *Queue) exec(ctx context.Context, j Job, rng *rand.Rand) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
	}

	start := q.now()
	j.State = StateActive
	j.AttemptsMade++
	j.UpdatedAt = start
	if err := q.store.UpdateJob(ctx, j); err != nil {
		q.log.Error("mark job active failed", logx.String("job", j.ID), logx.Err(err))
		return
	}
	q.started.Add(1)

	err := q.run(ctx, j)
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; Start will pick it up again.
		return
	}

	now := q.now()
	j.UpdatedAt = now
	log := q.log.With(logx.String("job", j.ID), logx.String("name", j.Name), logx.Int("attempt", j.AttemptsMade))

	switch {
	case err == nil:
		j.State = StateCompleted
		j.FinishedAt = now
		j.LastError = ""
		q.completed.Add(1)
		log.Debug("job completed", logx.Duration("dur", now.Sub(start)))

	case IsNoRetry(err) || j.AttemptsMade >= j.Attempts:
		j.State = StateFailed
		j.FinishedAt = now
		j.LastError = err.Error()
		q.failed.Add(1)
		log.Warn("job failed", logx.Err(err), logx.Bool("permanent", IsNoRetry(err)))

	default:
		delay := backoffDelay(q.cfg, j.AttemptsMade, err, rng)
		j.State = StateDelayed
		j.RunAt = now.Add(delay)
		j.LastError = err.Error()
		q.retried.Add(1)
		log.Info("job retry scheduled", logx.Duration("delay", delay), logx.Err(err))
		time.AfterFunc(delay, q.signal)
	}

	// Persist with a fresh context so a result is not lost to shutdown.
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.UpdateJob(sctx, j); err != nil {
		q.log.Error("persist job result failed", logx.String("job", j.ID), logx.Err(err))
		return
	}
	if j.State.Terminal() {
		q.prune(sctx, j.State)
	}
}

func (q *Queue) run(ctx context.Context, j Job) (err error) {
	h := q.handler(j.Name)
	if h == nil {
		return NoRetry(fmt.Errorf("%w: %s", ErrNoHandler, j.Name))
	}
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("job panicked", logx.String("job", j.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	err = h(ctx, j)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("job timed out after %s: %w", q.cfg.JobTimeout, err)
	}
	return err
}

func (q *Queue) prune(ctx context.Context, st State) {
	keep := q.cfg.RetainCompleted
	if st == StateFailed {
		keep = q.cfg.RetainFailed
	}
	n, err := q.store.PruneJobs(ctx, st, keep)
	if err != nil {
		q.log.Warn("prune jobs failed", logx.String("state", string(st)), logx.Err(err))
		return
	}
	if n > 0 {
		q.log.Debug("pruned jobs", logx.String("state", string(st)), logx.Int("count", n))
	}
}
