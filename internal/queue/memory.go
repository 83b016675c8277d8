package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. Jobs do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]Job
	repeats map[string]Repeat
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]Job{}, repeats: map[string]Repeat{}}
}

func (s *MemoryStore) InsertJob(_ context.Context, j Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return false, nil
	}
	s.jobs[j.ID] = j
	return true, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if (j.State == StateWaiting || j.State == StateDelayed) && !j.RunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].RunAt.Equal(out[b].RunAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].RunAt.Before(out[b].RunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResetActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State == StateActive {
			j.State = StateWaiting
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountJobs(_ context.Context) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[State]int, len(AllStates))
	for _, st := range AllStates {
		out[st] = 0
	}
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *MemoryStore) PruneJobs(_ context.Context, state State, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var done []Job
	for _, j := range s.jobs {
		if j.State == state {
			done = append(done, j)
		}
	}
	if len(done) <= keep {
		return 0, nil
	}
	sort.Slice(done, func(a, b int) bool { return done[a].FinishedAt.Before(done[b].FinishedAt) })
	drop := done[:len(done)-keep]
	for _, j := range drop {
		delete(s.jobs, j.ID)
	}
	return len(drop), nil
}

func (s *MemoryStore) PutRepeat(_ context.Context, r Repeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeats[r.Key] = r
	return nil
}

func (s *MemoryStore) DeleteRepeat(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.repeats[key]
	delete(s.repeats, key)
	return ok, nil
}

func (s *MemoryStore) ListRepeats(_ context.Context) ([]Repeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Repeat, 0, len(s.repeats))
	for _, r := range s.repeats {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}
