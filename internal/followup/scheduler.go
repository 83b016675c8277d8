package followup

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/pkg/logx"
)

// Handler runs once when a job fires. Errors and panics are logged.
type Handler func(ctx context.Context, payload any) error

// Job is a pending delayed execution.
type Job struct {
	ID      string
	Delay   time.Duration
	Payload any
	Handler Handler
}

type entry struct {
	job   Job
	due   time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].job.ID < h[j].job.ID
	}
	return h[i].due.Before(h[j].due)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type cmdKind int

const (
	cmdSchedule cmdKind = iota
	cmdCancel
	cmdFlush
	cmdPending
	cmdLen
)

type command struct {
	kind  cmdKind
	job   Job
	reply chan int
}

// Stats are cumulative.
type Stats struct {
	Scheduled  uint64
	Duplicates uint64
	Fired      uint64
	Failed     uint64
	Flushed    uint64
	Pending    int
}

// Scheduler is a process-local delayed execution registry keyed by job id.
//
// A single loop goroutine owns the pending set; Schedule, Cancel and
// FlushAll are messages to that loop. At most one job per id is pending,
// and a fired job leaves the pending set before its handler runs, so the
// handler may schedule the same id again.
type Scheduler struct {
	log logx.Logger

	cmds   chan command
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	scheduled  atomic.Uint64
	duplicates atomic.Uint64
	fired      atomic.Uint64
	failed     atomic.Uint64
	flushed    atomic.Uint64
}

// New starts the scheduling loop. Close stops it.
func New(log logx.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:    log.With(logx.String("comp", "followup")),
		cmds:   make(chan command),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule registers job id to run handler after delay (negative delays run
// immediately). If id is already pending the call is a no-op and the
// existing schedule is kept. It always returns id.
func (s *Scheduler) Schedule(id string, delay time.Duration, payload any, h Handler) string {
	s.send(command{kind: cmdSchedule, job: Job{ID: id, Delay: max(0, delay), Payload: payload, Handler: h}})
	return id
}

// Cancel removes a pending job without running it.
func (s *Scheduler) Cancel(id string) bool {
	return s.send(command{kind: cmdCancel, job: Job{ID: id}}) > 0
}

// FlushAll cancels every pending job without running any handler and
// returns how many were dropped.
func (s *Scheduler) FlushAll() int {
	return s.send(command{kind: cmdFlush})
}

func (s *Scheduler) IsPending(id string) bool {
	return s.send(command{kind: cmdPending, job: Job{ID: id}}) > 0
}

func (s *Scheduler) Len() int {
	return s.send(command{kind: cmdLen})
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled:  s.scheduled.Load(),
		Duplicates: s.duplicates.Load(),
		Fired:      s.fired.Load(),
		Failed:     s.failed.Load(),
		Flushed:    s.flushed.Load(),
		Pending:    s.Len(),
	}
}

// Close drops pending jobs, stops the loop and waits up to ctx for running
// handlers.
func (s *Scheduler) Close(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		s.FlushAll()
		s.cancel()
		<-s.done
	}
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) send(c command) int {
	c.reply = make(chan int, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return 0
	}
	return <-c.reply
}

func (s *Scheduler) loop() {
	defer close(s.done)

	var (
		pending = entryHeap{}
		byID    = map[string]*entry{}
		timer   = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	rearm := func() {
		timer.Stop()
		if len(pending) > 0 {
			timer.Reset(max(0, time.Until(pending[0].due)))
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case c := <-s.cmds:
			switch c.kind {
			case cmdSchedule:
				if _, ok := byID[c.job.ID]; ok {
					s.duplicates.Add(1)
					s.log.Debug("follow-up already scheduled", logx.String("id", c.job.ID))
					c.reply <- 0
					continue
				}
				e := &entry{job: c.job, due: time.Now().Add(c.job.Delay)}
				heap.Push(&pending, e)
				byID[c.job.ID] = e
				s.scheduled.Add(1)
				s.log.Info("follow-up scheduled", logx.String("id", c.job.ID), logx.Duration("delay", c.job.Delay))
				c.reply <- 1
			case cmdCancel:
				e, ok := byID[c.job.ID]
				if ok {
					heap.Remove(&pending, e.index)
					delete(byID, c.job.ID)
					c.reply <- 1
				} else {
					c.reply <- 0
				}
			case cmdFlush:
				n := len(pending)
				pending = entryHeap{}
				byID = map[string]*entry{}
				s.flushed.Add(uint64(n))
				c.reply <- n
			case cmdPending:
				if _, ok := byID[c.job.ID]; ok {
					c.reply <- 1
				} else {
					c.reply <- 0
				}
			case cmdLen:
				c.reply <- len(pending)
			}
			rearm()

		case <-timer.C:
			now := time.Now()
			for len(pending) > 0 && !pending[0].due.After(now) {
				e := heap.Pop(&pending).(*entry)
				delete(byID, e.job.ID)
				s.fire(e.job)
			}
			rearm()
		}
	}
}

func (s *Scheduler) fire(job Job) {
	s.fired.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(job); err != nil {
			s.failed.Add(1)
			s.log.Error("follow-up handler failed", logx.String("id", job.ID), logx.Err(err))
		}
	}()
}

func (s *Scheduler) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("follow-up handler panicked", logx.String("id", job.ID), logx.Stack(string(debug.Stack())))
		}
	}()
	if job.Handler == nil {
		return nil
	}
	return job.Handler(s.ctx, job.Payload)
}
