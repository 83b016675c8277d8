package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dispatchd/internal/runtime/supervisor"
	"dispatchd/pkg/logx"
)

// Queue is a durable job queue with retries, bounded retention and cron
// repeating jobs. Jobs are persisted in a Store before they run, so a
// restart resumes waiting, delayed and interrupted work.
type Queue struct {
	cfg   Config
	store Store
	log   logx.Logger
	now   func() time.Time

	hmu      sync.RWMutex
	handlers map[string]Handler

	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	sup      *supervisor.Supervisor
	work     chan Job
	wake     chan struct{}
	inflight map[string]struct{}

	rmu     sync.Mutex
	parser  cron.Parser
	cron    *cron.Cron
	entries map[string]cron.EntryID

	enqueued   atomic.Uint64
	duplicates atomic.Uint64
	started    atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
}

// Stats are cumulative counters since New.
type Stats struct {
	Enqueued   uint64 `json:"enqueued"`
	Duplicates uint64 `json:"duplicates"`
	Started    uint64 `json:"started"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Retried    uint64 `json:"retried"`
	InFlight   int    `json:"inFlight"`
}

func New(cfg Config, store Store, log logx.Logger) *Queue {
	cfg = cfg.withDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		cfg:      cfg,
		store:    store,
		log:      log.With(logx.String("comp", "queue")),
		now:      time.Now,
		handlers: map[string]Handler{},
		inflight: map[string]struct{}{},
		wake:     make(chan struct{}, 1),
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  map[string]cron.EntryID{},
	}
	if cfg.RateMax > 0 {
		every := cfg.RateDuration / time.Duration(cfg.RateMax)
		q.limiter = rate.NewLimiter(rate.Every(every), cfg.RateMax)
	}
	q.cron = cron.New(cron.WithParser(q.parser), cron.WithLocation(cfg.Location))
	return q
}

// Handle registers the handler for jobs named name.
func (q *Queue) Handle(name string, h Handler) {
	q.hmu.Lock()
	q.handlers[name] = h
	q.hmu.Unlock()
}

func (q *Queue) handler(name string) Handler {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	return q.handlers[name]
}

// Start recovers persisted work, re-arms repeat registrations and starts
// the dispatcher and workers. It is idempotent.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.sup = supervisor.New(context.Background(), supervisor.WithLogger(q.log))
	q.work = make(chan Job)
	q.mu.Unlock()

	if n, err := q.store.ResetActive(ctx); err != nil {
		return fmt.Errorf("queue recover: %w", err)
	} else if n > 0 {
		q.log.Warn("requeued interrupted jobs", logx.Int("count", n))
	}

	repeats, err := q.store.ListRepeats(ctx)
	if err != nil {
		return fmt.Errorf("queue load repeats: %w", err)
	}
	for _, r := range repeats {
		if err := q.arm(r); err != nil {
			q.log.Error("repeat registration skipped", logx.String("key", r.Key), logx.Err(err))
		}
	}
	q.cron.Start()

	q.sup.Go0("queue.dispatch", q.dispatch)
	for i := 0; i < q.cfg.Workers; i++ {
		q.sup.Go0(fmt.Sprintf("queue.worker.%d", i), q.worker)
	}
	q.log.Info("queue started", logx.Int("workers", q.cfg.Workers), logx.Int("repeats", len(repeats)))
	return nil
}

// Stop halts cron triggers and workers. Jobs that were running are left
// active in the store and resume on the next Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	sup := q.sup
	q.mu.Unlock()

	cctx := q.cron.Stop()
	select {
	case <-cctx.Done():
	case <-ctx.Done():
	}
	return sup.Stop(ctx)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// EnqueueOnce persists a one-shot job. When opts.JobID names a job the
// store still holds, nothing new is created and the existing job is
// returned with Duplicate set.
func (q *Queue) EnqueueOnce(ctx context.Context, name string, payload any, opts EnqueueOptions) (Handle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("queue: encode payload: %w", err)
	}
	return q.enqueueRaw(ctx, name, raw, opts, "")
}

func (q *Queue) enqueueRaw(ctx context.Context, name string, payload json.RawMessage, opts EnqueueOptions, repeatKey string) (Handle, error) {
	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.cfg.Attempts
	}
	now := q.now()
	j := Job{
		ID:        id,
		Name:      name,
		Payload:   payload,
		State:     StateWaiting,
		Attempts:  attempts,
		RunAt:     now,
		RepeatKey: repeatKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
		j.RunAt = now.Add(opts.Delay)
	}

	inserted, err := q.store.InsertJob(ctx, j)
	if err != nil {
		return Handle{}, fmt.Errorf("queue: insert %s: %w", id, err)
	}
	if !inserted {
		q.duplicates.Add(1)
		existing, ok, err := q.store.GetJob(ctx, id)
		if err != nil {
			return Handle{}, err
		}
		st := StateWaiting
		if ok {
			st = existing.State
		}
		q.log.Debug("duplicate enqueue ignored", logx.String("job", id), logx.String("state", string(st)))
		return Handle{ID: id, State: st, Duplicate: true}, nil
	}

	q.enqueued.Add(1)
	if opts.Delay > 0 {
		time.AfterFunc(opts.Delay, q.signal)
	} else {
		q.signal()
	}
	q.log.Debug("job enqueued", logx.String("job", id), logx.String("name", name))
	return Handle{ID: id, State: j.State}, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Job, bool, error) {
	return q.store.GetJob(ctx, id)
}

// Counts reports the number of stored jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	return q.store.CountJobs(ctx)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	inflight := len(q.inflight)
	q.mu.Unlock()
	return Stats{
		Enqueued:   q.enqueued.Load(),
		Duplicates: q.duplicates.Load(),
		Started:    q.started.Load(),
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
		Retried:    q.retried.Load(),
		InFlight:   inflight,
	}
}

// Workers exposes the pool's goroutine stats.
func (q *Queue) Workers() supervisor.Snapshot {
	q.mu.Lock()
	sup := q.sup
	q.mu.Unlock()
	if sup == nil {
		return supervisor.Snapshot{}
	}
	return sup.Snapshot()
}
