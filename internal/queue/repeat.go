package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/pkg/logx"
)

// RepeatSpec registers a cron-repeating job. Key is the stable identity:
// upserting the same Key replaces the previous registration.
type RepeatSpec struct {
	Key      string
	Name     string
	Cron     string
	Timezone string
	Payload  any
}

// ValidateCron reports whether expr (optionally in tz) parses.
func (q *Queue) ValidateCron(expr, tz string) error {
	_, err := q.parse(expr, tz)
	return err
}

func (q *Queue) parse(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidRepeat)
	}
	if tz = strings.TrimSpace(tz); tz != "" {
		expr = "CRON_TZ=" + tz + " " + expr
	}
	s, err := q.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRepeat, err)
	}
	return s, nil
}

// UpsertRepeating replaces the registration for spec.Key. The old cron
// entry is removed before the new one is added, under the same lock, so two
// registrations for one key never fire concurrently.
func (q *Queue) UpsertRepeating(ctx context.Context, spec RepeatSpec) error {
	key := strings.TrimSpace(spec.Key)
	if key == "" || strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: key and name are required", ErrInvalidRepeat)
	}
	if _, err := q.parse(spec.Cron, spec.Timezone); err != nil {
		return err
	}
	raw, err := json.Marshal(spec.Payload)
	if err != nil {
		return fmt.Errorf("queue: encode repeat payload: %w", err)
	}
	r := Repeat{
		Key:       key,
		Name:      spec.Name,
		Cron:      strings.TrimSpace(spec.Cron),
		Timezone:  strings.TrimSpace(spec.Timezone),
		Payload:   raw,
		CreatedAt: q.now(),
	}

	q.rmu.Lock()
	defer q.rmu.Unlock()

	q.disarmLocked(key)
	if _, err := q.store.DeleteRepeat(ctx, key); err != nil {
		return fmt.Errorf("queue: remove repeat %s: %w", key, err)
	}
	if err := q.store.PutRepeat(ctx, r); err != nil {
		return fmt.Errorf("queue: store repeat %s: %w", key, err)
	}
	if err := q.armLocked(r); err != nil {
		return err
	}
	q.log.Info("repeat registered", logx.String("key", key), logx.String("cron", r.Cron), logx.String("tz", r.Timezone))
	return nil
}

// RemoveRepeating drops the registration for key. It reports whether one
// existed.
func (q *Queue) RemoveRepeating(ctx context.Context, key string) (bool, error) {
	q.rmu.Lock()
	defer q.rmu.Unlock()

	armed := q.disarmLocked(key)
	stored, err := q.store.DeleteRepeat(ctx, key)
	if err != nil {
		return armed, fmt.Errorf("queue: remove repeat %s: %w", key, err)
	}
	if armed || stored {
		q.log.Info("repeat removed", logx.String("key", key))
	}
	return armed || stored, nil
}

// Repeatables lists stored registrations with their next fire time.
func (q *Queue) Repeatables(ctx context.Context) ([]RepeatInfo, error) {
	rs, err := q.store.ListRepeats(ctx)
	if err != nil {
		return nil, err
	}
	now := q.now()
	q.rmu.Lock()
	defer q.rmu.Unlock()
	out := make([]RepeatInfo, 0, len(rs))
	for _, r := range rs {
		info := RepeatInfo{Repeat: r}
		if id, ok := q.entries[r.Key]; ok {
			info.Next = q.cron.Entry(id).Next
		}
		if info.Next.IsZero() {
			if s, err := q.parse(r.Cron, r.Timezone); err == nil {
				info.Next = s.Next(now)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (q *Queue) arm(r Repeat) error {
	q.rmu.Lock()
	defer q.rmu.Unlock()
	q.disarmLocked(r.Key)
	return q.armLocked(r)
}

func (q *Queue) armLocked(r Repeat) error {
	s, err := q.parse(r.Cron, r.Timezone)
	if err != nil {
		return err
	}
	id := q.cron.Schedule(s, cron.FuncJob(func() { q.fire(r) }))
	q.entries[r.Key] = id
	return nil
}

func (q *Queue) disarmLocked(key string) bool {
	id, ok := q.entries[key]
	if !ok {
		return false
	}
	q.cron.Remove(id)
	delete(q.entries, key)
	return true
}

// fire enqueues one occurrence. The job id carries the fire second so a
// duplicate trigger for the same tick collapses into one job.
func (q *Queue) fire(r Repeat) {
	at := q.now().Truncate(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id := fmt.Sprintf("repeat:%s:%d", r.Key, at.UnixMilli())
	if _, err := q.enqueueRaw(ctx, r.Name, r.Payload, EnqueueOptions{JobID: id}, r.Key); err != nil {
		q.log.Error("repeat enqueue failed", logx.String("key", r.Key), logx.Err(err))
	}
}
